package service

import "guestscope/pkg/prowler"

// Local is a Client running commands in this process.
type Local struct {
	p *prowler.Prowler
}

func NewLocal(p *prowler.Prowler) *Local { return &Local{p: p} }

func (l *Local) SendExpr(cmd CmdType, args string) (string, error) {
	return Exec(l.p, cmd, args)
}

func (l *Local) Complete(prefix string) ([]string, error) {
	return l.p.Complete(prefix), nil
}

func (l *Local) IsGuestscopeServer() bool { return true }
