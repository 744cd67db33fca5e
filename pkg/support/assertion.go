package support

import (
	"fmt"
	"reflect"
)

// AssertionError is a failed comparison. Failure messages include a diff
// of the two values.
type AssertionError struct {
	Message string
	Want    any
	Got     any
}

func (e *AssertionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("expected %v, got %v", e.Want, e.Got)
}

func (e *AssertionError) Expected() any { return e.Want }

func (e *AssertionError) Actual() any { return e.Got }

// Equal returns an *AssertionError when want and got differ.
func Equal(want, got any, msgAndArgs ...any) error {
	if reflect.DeepEqual(want, got) {
		return nil
	}
	err := &AssertionError{Want: want, Got: got}
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			err.Message = fmt.Sprintf(format, msgAndArgs[1:]...)
		}
	}
	return err
}
