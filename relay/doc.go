/*
Package relay connects a single network connection to a single new process, inetd style. The connection's inbound bytes become the process stdin, and the process stdout and stderr are both written back to the connection, interleaved in the order they are read. There is no framing.

Each call to Relay.Serve proceeds as follows:

1. Three pipes are created and the program is started with its stdin, stdout and stderr wired to them. The parent keeps the "near" end of each pipe and closes the ends handed to the child.
2. One goroutine per source (the connection, stdout, stderr) reads at most 255 bytes at a time and hands them to the relay loop, which forwards them right away. A source does not read again until its last chunk has been forwarded, so nothing is buffered beyond one read per source.
3. The loop ends when the connection returns EOF or an error, when both stdout and stderr have returned EOF, when a forward fails, or when the context is canceled.
4. The connection and the three near pipe ends are closed, and then the process is reaped.

Closing stdin is how the process learns that the client went away. A process that ignores EOF on stdin keeps the relay waiting in step 4, except when the context is canceled, in which case the process is killed.

Spawn only reports that the executable was launched. A program that starts and then fails is seen by the relay as output EOF, and is reported through the session's exit code.
*/
package relay
