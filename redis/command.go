package redis

// Command is a single redis command: a verb and its arguments.
// Arguments are converted to bulk strings by the resp encoder; see package
// documentation for the accepted argument types.
type Command struct {
	Name string
	Args []interface{}
}

// Req is a shorthand constructor for Command.
func Req(name string, args ...interface{}) Command {
	return Command{name, args}
}
