package terminal

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
)

// transcriptWriter writes to a pagingWriter and also, optionally, to a
// buffered file.
type transcriptWriter struct {
	fileOnly bool
	pw       *pagingWriter
	file     *bufio.Writer
	fh       io.Closer
}

func (w *transcriptWriter) Write(p []byte) (nn int, err error) {
	if w.file != nil {
		nn, err = w.file.Write(p)
	}
	if !w.fileOnly {
		nn, err = w.pw.Write(p)
	}
	return
}

// Echo outputs str only to the optional transcript file.
func (w *transcriptWriter) Echo(str string) {
	if w.file != nil {
		w.file.WriteString(str)
	}
}

// Flush flushes the optional transcript file and the pager.
func (w *transcriptWriter) Flush() {
	if w.file != nil {
		w.file.Flush()
	}
	w.pw.Flush()
}

// CloseTranscript closes the optional transcript file.
func (w *transcriptWriter) CloseTranscript() error {
	if w.file == nil {
		return nil
	}
	w.file.Flush()
	w.fileOnly = false
	err := w.fh.Close()
	w.file = nil
	w.fh = nil
	return err
}

// TranscribeTo starts transcribing the output to the specified file. If
// fileOnly is true the output will only go to the file, output to the
// pagingWriter will be suppressed.
func (w *transcriptWriter) TranscribeTo(fh io.WriteCloser, fileOnly bool) {
	if w.file != nil {
		w.CloseTranscript()
	}
	w.fh = fh
	w.file = bufio.NewWriter(fh)
	w.fileOnly = fileOnly
}

// pagingWriter holds back the output of one command while it fits on the
// screen and hands it to a pager once it does not.
type pagingWriter struct {
	w      io.Writer
	lines  int // terminal height; zero disables paging
	pager  string
	buf    bytes.Buffer
	seen   int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	broken bool
}

func (p *pagingWriter) Write(b []byte) (int, error) {
	switch {
	case p.stdin != nil:
		if _, err := p.stdin.Write(b); err != nil {
			p.broken = true
		}
		return len(b), nil
	case p.lines <= 0 || p.broken:
		return p.w.Write(b)
	}

	p.buf.Write(b)
	p.seen += bytes.Count(b, []byte{'\n'})
	if p.seen >= p.lines-1 {
		p.startPager()
	}
	return len(b), nil
}

func (p *pagingWriter) startPager() {
	argv := strings.Fields(p.pager)
	if len(argv) == 0 {
		p.broken = true
		p.Flush()
		return
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		p.broken = true
		p.Flush()
		return
	}
	p.cmd, p.stdin = cmd, stdin
	p.stdin.Write(p.buf.Bytes())
	p.buf.Reset()
}

// Flush writes held back output to the terminal.
func (p *pagingWriter) Flush() {
	if p.buf.Len() > 0 {
		p.w.Write(p.buf.Bytes())
		p.buf.Reset()
	}
}

// Reset waits for the pager of the last command and rearms paging.
func (p *pagingWriter) Reset() {
	p.Flush()
	if p.cmd != nil {
		p.stdin.Close()
		p.cmd.Wait()
	}
	p.cmd, p.stdin = nil, nil
	p.seen = 0
	p.broken = false
}
