package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type MalformedLength struct {
	MessageName string
	Offset      int
}

func (e *MalformedLength) Error() string {
	return fmt.Sprintf("Malformed length prefix at offset %d (type=%s)", e.Offset, e.MessageName)
}

type InvalidDiscriminator struct {
	Expected uint32
	Actual   uint32
}

func (e *InvalidDiscriminator) Error() string {
	return fmt.Sprintf("Invalid discriminator: expected 0x%08X, got 0x%08X", e.Expected, e.Actual)
}

type DuplicateRegistration struct {
	Registry string
	TypeKey  string
}

func (e *DuplicateRegistration) Error() string {
	return fmt.Sprintf("Network event %s is already registered (registry: %s)", e.TypeKey, e.Registry)
}

// WrongSide is returned when a server-only operation is called on a client
// or the other way around.
type WrongSide struct {
	Operation string
	Required  string
}

func (e *WrongSide) Error() string {
	return fmt.Sprintf("%s can only be called on the %s", e.Operation, e.Required)
}

type AlreadyInstalled struct {
	Name string
}

func (e *AlreadyInstalled) Error() string {
	return fmt.Sprintf("%s is already installed", e.Name)
}

type MissingComponent struct {
	Component string
	Entity    string
}

func (e *MissingComponent) Error() string {
	return fmt.Sprintf("Missing component %s on entity %s", e.Component, e.Entity)
}

type DetourNotTop struct {
	Target string
}

func (e *DetourNotTop) Error() string {
	return fmt.Sprintf("Cannot undo detour on %s: a later detour is still installed", e.Target)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in %s", e.FieldName, e.MessageName)
}
