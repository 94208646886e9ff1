package resp

// Precomputed frames for the zero-argument commands the client issues itself.
const (
	PingReq  = "*1\r\n$4\r\nPING\r\n"
	MultiReq = "*1\r\n$5\r\nMULTI\r\n"
	ExecReq  = "*1\r\n$4\r\nEXEC\r\n"
)
