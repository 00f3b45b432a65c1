package http

import "strings"

type Expression struct {
	Expr string `json:"expression"`
	Pid  int    `json:"pid"`
}

func newExpression(expr string, pid int) *Expression {
	return &Expression{Expr: expr, Pid: pid}
}

// resolve splits the expression into the command name and the rest of the
// line.
func (e *Expression) resolve() (string, string) {
	cmd, args, _ := strings.Cut(strings.TrimSpace(e.Expr), " ")
	return cmd, strings.TrimSpace(args)
}
