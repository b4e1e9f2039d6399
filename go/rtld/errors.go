package rtld

import (
	"fmt"
)

// UnresolvedError reports strong symbol references an object left unbound.
type UnresolvedError struct {
	Object string
	Count  int
}

func (e *UnresolvedError) Error() string {
	if e.Count == 1 {
		return fmt.Sprintf("%s: 1 unresolved symbol", e.Object)
	}
	return fmt.Sprintf("%s: %d unresolved symbols", e.Object, e.Count)
}
