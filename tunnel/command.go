package tunnel

import (
	"fmt"
	"strings"
)

// sshCommand renders the OpenSSH invocation that sets up the same
// forward, for users who want to reproduce it by hand.
func (s *Session) sshCommand(f Forward) string {
	c := s.cfg.SSH
	args := []string{"ssh", "-N",
		"-L", fmt.Sprintf("%s:%d:%s", s.cfg.BindAddress, f.LocalPort, f.Dest()),
	}
	if c.Port != 0 && c.Port != 22 {
		args = append(args, "-p", fmt.Sprint(c.Port))
	}
	if c.KeyPath != "" {
		args = append(args, "-i", c.KeyPath)
	}
	if h := s.cfg.Hop; h != nil {
		args = append(args, "-o", fmt.Sprintf("ProxyCommand='nc -X %d -x %s %%h %%p'", h.Version, h.Addr()))
	}
	args = append(args, c.User+"@"+c.Host)
	return strings.Join(args, " ")
}
