package workerproc

import "io"

// childPipes presents a child process's separate stdin/stdout pipes as a
// single io.ReadWriter so a framing.Framer can be built over them exactly
// as it would over a socket or any other bidirectional stream.
type childPipes struct {
	stdout io.ReadCloser
	stdin  io.WriteCloser
}

func (p *childPipes) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *childPipes) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *childPipes) Close() error {
	stdinErr := p.stdin.Close()
	stdoutErr := p.stdout.Close()
	if stdinErr != nil {
		return stdinErr
	}
	return stdoutErr
}
