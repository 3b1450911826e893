// Package coreerr defines the structured error kinds returned across nxcore's
// layered storage stack (spec §7). Every error that crosses a package
// boundary is either one of these, or wraps one via %w so callers can use
// errors.Is/errors.As instead of string matching.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind identifies the broad category of a Core error, independent of the
// specific resource or layer involved.
type Kind int

const (
	KindIO Kind = iota
	KindGamecardNotReady
	KindCorruptHeader
	KindHashMismatch
	KindKeyMissing
	KindCryptoFailure
	KindNotFound
	KindUnsupportedVariant
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IoError"
	case KindGamecardNotReady:
		return "GamecardNotReady"
	case KindCorruptHeader:
		return "CorruptHeader"
	case KindHashMismatch:
		return "HashMismatch"
	case KindKeyMissing:
		return "KeyMissing"
	case KindCryptoFailure:
		return "CryptoFailure"
	case KindNotFound:
		return "NotFound"
	case KindUnsupportedVariant:
		return "UnsupportedVariant"
	case KindAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// GamecardReason enumerates the sub-states of KindGamecardNotReady (§7).
type GamecardReason int

const (
	ReasonNotInserted GamecardReason = iota
	ReasonProcessing
	ReasonLafwRequired
	ReasonNoGcPatch
)

func (r GamecardReason) String() string {
	switch r {
	case ReasonNotInserted:
		return "NotInserted"
	case ReasonProcessing:
		return "Processing"
	case ReasonLafwRequired:
		return "LafwRequired"
	case ReasonNoGcPatch:
		return "NoGcPatch"
	default:
		return "Unknown"
	}
}

// HeaderWhich enumerates which layer produced a KindCorruptHeader error.
type HeaderWhich int

const (
	WhichGamecard HeaderWhich = iota
	WhichHashFs
	WhichNca
	WhichRomfs
	WhichSave
	WhichBucket
	WhichPfs0
)

func (w HeaderWhich) String() string {
	switch w {
	case WhichGamecard:
		return "Gamecard"
	case WhichHashFs:
		return "HashFs"
	case WhichNca:
		return "Nca"
	case WhichRomfs:
		return "Romfs"
	case WhichSave:
		return "Save"
	case WhichBucket:
		return "Bucket"
	case WhichPfs0:
		return "Pfs0"
	default:
		return "Unknown"
	}
}

// Error is the concrete structured error value returned by nxcore packages.
type Error struct {
	Kind     Kind
	Resource string // what was missing/corrupt/not found (e.g. a key name, a path)
	Reason   any    // GamecardReason or HeaderWhich, when Kind calls for it
	Offset   int64  // byte offset, for HashMismatch
	Layer    string // hash-tree layer name, for HashMismatch
	Err      error  // wrapped underlying error, if any
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindGamecardNotReady:
		return fmt.Sprintf("gamecard not ready: %v", e.Reason)
	case KindCorruptHeader:
		return fmt.Sprintf("corrupt header: %v: %s", e.Reason, e.Resource)
	case KindHashMismatch:
		return fmt.Sprintf("hash mismatch at layer %s offset 0x%x", e.Layer, e.Offset)
	case KindKeyMissing:
		return fmt.Sprintf("key missing: %s", e.Resource)
	case KindCryptoFailure:
		return fmt.Sprintf("crypto failure: %s: %v", e.Resource, e.Err)
	case KindNotFound:
		return fmt.Sprintf("not found: %s", e.Resource)
	case KindUnsupportedVariant:
		return fmt.Sprintf("unsupported: %s", e.Resource)
	case KindAborted:
		return "aborted"
	default:
		if e.Err != nil {
			return fmt.Sprintf("io error: %v", e.Err)
		}
		return "io error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &coreerr.Error{Kind: coreerr.KindNotFound}) style
// checks (see IsKind) work by comparing against a bare *Error carrying only
// a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func kindOnly(k Kind) *Error { return &Error{Kind: k} }

// IsKind reports whether err (or anything it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	return errors.Is(err, kindOnly(k))
}

func IO(err error) error {
	return &Error{Kind: KindIO, Err: err}
}

func GamecardNotReady(reason GamecardReason) error {
	return &Error{Kind: KindGamecardNotReady, Reason: reason}
}

func CorruptHeader(which HeaderWhich, resource string) error {
	return &Error{Kind: KindCorruptHeader, Reason: which, Resource: resource}
}

func HashMismatch(layer string, offset int64) error {
	return &Error{Kind: KindHashMismatch, Layer: layer, Offset: offset}
}

func KeyMissing(name string) error {
	return &Error{Kind: KindKeyMissing, Resource: name}
}

func CryptoFailure(op string, err error) error {
	return &Error{Kind: KindCryptoFailure, Resource: op, Err: err}
}

func NotFound(resource string) error {
	return &Error{Kind: KindNotFound, Resource: resource}
}

func UnsupportedVariant(what string) error {
	return &Error{Kind: KindUnsupportedVariant, Resource: what}
}

// Aborted is returned when a consumer-supplied cancellation callback fired.
var Aborted error = kindOnly(KindAborted)
