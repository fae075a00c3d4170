package transport

import (
	"fmt"
	"io"
	"strings"
)

const (
	preambleAuth  = "\x00AUTH ANONYMOUS\r\n"
	preambleBegin = "BEGIN\r\n"
)

func (s *streamTransport) clientPreamble() error {
	if _, err := io.WriteString(s.conn, preambleAuth); err != nil {
		return err
	}
	resp, err := s.buf.ReadString('\n')
	if err != nil {
		return err
	}
	guid, ok := strings.CutPrefix(strings.TrimSpace(resp), "OK ")
	if !ok || guid == "" {
		return fmt.Errorf("AUTH ANONYMOUS failed, router said %q", strings.TrimSpace(resp))
	}
	if _, err := io.WriteString(s.conn, preambleBegin); err != nil {
		return err
	}
	s.guid = guid
	return nil
}

func (s *streamTransport) serverPreamble() error {
	nul, err := s.buf.ReadByte()
	if err != nil {
		return err
	}
	if nul != 0 {
		return fmt.Errorf("connection preamble starts with %q, want nul byte", nul)
	}
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "AUTH ANONYMOUS" || strings.HasPrefix(line, "AUTH ANONYMOUS "):
			if _, err := fmt.Fprintf(s.conn, "OK %s\r\n", s.guid); err != nil {
				return err
			}
		case line == "BEGIN":
			return nil
		case strings.HasPrefix(line, "AUTH"):
			if _, err := io.WriteString(s.conn, "REJECTED ANONYMOUS\r\n"); err != nil {
				return err
			}
		default:
			if _, err := io.WriteString(s.conn, "ERROR\r\n"); err != nil {
				return err
			}
		}
	}
}
