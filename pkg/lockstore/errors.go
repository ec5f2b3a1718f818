package lockstore

import "fmt"

// UnexpectedStatusError reports a node answer that fits neither the
// success nor the refusal shape. The quorum layer treats it as
// unreachable; the body is kept for the logs.
type UnexpectedStatusError struct {
	Node string
	Path string
	Code int
	Body string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status from %s: POST %s -> %d body=%q", e.Node, e.Path, e.Code, e.Body)
}
