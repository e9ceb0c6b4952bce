package utils

import "github.com/google/uuid"

// UUIDStack returns n freshly generated random UUID strings. The catalog
// plugin runs in an environment that cannot generate its own, so we hand
// it a stack to consume.
func UUIDStack(n int) []string {
	stack := make([]string, n)
	for i := range stack {
		stack[i] = uuid.NewString()
	}
	return stack
}
