package main

import (
	"finclient/cmd/finclient-cli/commands"
	"finclient/lib/util/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
