package executor

import (
	"fmt"
)

type MalformedRow string

func (msg MalformedRow) Error() string {
	return errReport("%s: row is not a tab separated list of column=value", string(msg))
}

type BadPredicate string

func (msg BadPredicate) Error() string {
	return errReport("%s: predicate must be \"<column> <glob>\"", string(msg))
}

type UnknownCommand string

func (msg UnknownCommand) Error() string {
	return errReport("%s: unknown mutation command", string(msg))
}

type NoSourceParts string

func (msg NoSourceParts) Error() string {
	return errReport("%s: merge needs at least one source part", string(msg))
}

func errReport(base, msg string) string {
	return fmt.Sprintf(base, msg)
}
