package catalog

import (
	"fmt"
)

type PartNotFound string

func (msg PartNotFound) Error() string {
	return errReport("%s: part not found in the local part set", string(msg))
}

type PartAlreadyExists string

func (msg PartAlreadyExists) Error() string {
	return errReport("%s: part or a covering part is already active", string(msg))
}

type PartIntersects string

func (msg PartIntersects) Error() string {
	return errReport("%s: part intersects an active part without containing it", string(msg))
}

type UnableToCreatePart string

func (msg UnableToCreatePart) Error() string {
	return errReport("%s: unable to create part directory", string(msg))
}

type BadChecksumsFile string

func (msg BadChecksumsFile) Error() string {
	return errReport("%s: malformed checksums file", string(msg))
}

func errReport(base, msg string) string {
	return fmt.Sprintf(base, msg)
}

// ErrChecksumMismatch is returned by VerifyChecksum when the payload on disk
// does not hash to the recorded checksum.
type ErrChecksumMismatch struct {
	Part     string
	Expected string
	Actual   string
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch for part %s: expected %s, got %s", e.Part, e.Expected, e.Actual)
}
