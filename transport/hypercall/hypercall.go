// Package hypercall sends TDISP commands to the host with a hypervisor call.
// The command is passed as hypercall input and the host writes its response
// into the hypercall output page.
package hypercall

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/go-tdisp/tdisp"
)

var (
	// ErrHypercall indicates that the hypervisor call could not be issued.
	ErrHypercall = errors.New("hypercall failed")
	// ErrInputTooLarge indicates input that does not fit the hypercall input page.
	ErrInputTooLarge = errors.New("hypercall input exceeds one page")
)

// Code is a hypercall code.
type Code uint16

// Hypercall codes used by the TDISP guest.
const (
	CodeModifyVtlProtectionMask           Code = 0x000C
	CodeModifySparseGpaPageHostVisibility Code = 0x00DB
	CodeMemoryMappedIoRead                Code = 0x0106
	CodeMemoryMappedIoWrite               Code = 0x0107
	// CodeTDISPDispatch carries one guest-to-host TDISP command.
	CodeTDISPDispatch Code = 0x0112
)

func (c Code) String() string {
	switch c {
	case CodeModifyVtlProtectionMask:
		return "HvCallModifyVtlProtectionMask"
	case CodeModifySparseGpaPageHostVisibility:
		return "HvCallModifySparseGpaPageHostVisibility"
	case CodeMemoryMappedIoRead:
		return "HvCallMemoryMappedIoRead"
	case CodeMemoryMappedIoWrite:
		return "HvCallMemoryMappedIoWrite"
	case CodeTDISPDispatch:
		return "HvCallTdispDispatch"
	}
	return fmt.Sprintf("HvCall(%#04x)", uint16(c))
}

// Control is a hypercall control word: the code in bits 0-15 and the rep
// count in bits 32-43.
type Control uint64

// NewControl returns the control word for a simple call to code.
func NewControl(code Code) Control {
	return Control(code)
}

// Code returns the hypercall code of c.
func (c Control) Code() Code {
	return Code(c & 0xFFFF)
}

// RepCount returns the rep count of c.
func (c Control) RepCount() uint16 {
	return uint16(c>>32) & 0xFFF
}

// WithRepCount returns c as a rep hypercall over n elements.
func (c Control) WithRepCount(n uint16) Control {
	return c&^(0xFFF<<32) | Control(n&0xFFF)<<32
}

// Status is the hypervisor result of a call.
type Status uint16

// Hypervisor statuses.
const (
	StatusSuccess               Status = 0x0000
	StatusInvalidHypercallCode  Status = 0x0002
	StatusInvalidHypercallInput Status = 0x0003
	StatusInvalidAlignment      Status = 0x0004
	StatusInvalidParameter      Status = 0x0005
	StatusAccessDenied          Status = 0x0006
	StatusOperationDenied       Status = 0x0008
	StatusInsufficientMemory    Status = 0x000B
	StatusInvalidPartitionID    Status = 0x000D
	StatusInsufficientBuffers   Status = 0x0013
	StatusTimeout               Status = 0x0078
)

var statusNames = map[Status]string{
	StatusSuccess:               "HV_STATUS_SUCCESS",
	StatusInvalidHypercallCode:  "HV_STATUS_INVALID_HYPERCALL_CODE",
	StatusInvalidHypercallInput: "HV_STATUS_INVALID_HYPERCALL_INPUT",
	StatusInvalidAlignment:      "HV_STATUS_INVALID_ALIGNMENT",
	StatusInvalidParameter:      "HV_STATUS_INVALID_PARAMETER",
	StatusAccessDenied:          "HV_STATUS_ACCESS_DENIED",
	StatusOperationDenied:       "HV_STATUS_OPERATION_DENIED",
	StatusInsufficientMemory:    "HV_STATUS_INSUFFICIENT_MEMORY",
	StatusInvalidPartitionID:    "HV_STATUS_INVALID_PARTITION_ID",
	StatusInsufficientBuffers:   "HV_STATUS_INSUFFICIENT_BUFFERS",
	StatusTimeout:               "HV_STATUS_TIME_OUT",
}

// Error implements the error interface.
func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("HV_STATUS(%#04x)", uint16(s))
}

// Caller issues hypercalls. Output, when non-nil, receives the hypercall
// output. A non-nil error means the call could not be made at all; the
// hypervisor's own result is returned as the Status.
type Caller interface {
	Call(control Control, input, output []byte) (Status, error)
}

// restricted is a Caller that only forwards allowed codes.
type restricted struct {
	caller  Caller
	allowed map[Code]bool
}

// Restrict returns a Caller that forwards only the listed codes to c. Calling
// any other code panics: issuing a hypercall that was never allowed is a
// programming error.
func Restrict(c Caller, codes ...Code) Caller {
	r := &restricted{caller: c, allowed: make(map[Code]bool, len(codes))}
	for _, code := range codes {
		r.allowed[code] = true
	}
	return r
}

func (r *restricted) Call(control Control, input, output []byte) (Status, error) {
	if !r.allowed[control.Code()] {
		panic(fmt.Sprintf("hypercall %v is not in the allowed set", control.Code()))
	}
	return r.caller.Call(control, input, output)
}

// Config configures a Transport.
type Config struct {
	// Caller issues the hypercalls.
	Caller Caller
	// Code is the hypercall that carries TDISP commands. Zero means
	// CodeTDISPDispatch.
	Code Code
}

// Transport sends TDISP commands with a hypercall.
type Transport struct {
	caller Caller
	code   Code
}

// New returns a transport over cfg.Caller. Only the dispatch code can be
// issued through it.
func New(cfg Config) *Transport {
	code := cfg.Code
	if code == 0 {
		code = CodeTDISPDispatch
	}
	return &Transport{caller: Restrict(cfg.Caller, code), code: code}
}

func (t *Transport) call(input, output []byte) error {
	if len(input) > tdisp.PageSize {
		return fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(input))
	}
	status, err := t.caller.Call(NewControl(t.code), input, output)
	if err != nil {
		return fmt.Errorf("%w: %v: %v", ErrHypercall, t.code, err)
	}
	if status != StatusSuccess {
		glog.Errorf("[tdisp] %v returned %v", t.code, status)
		return fmt.Errorf("%w: %v: %w", ErrHypercall, t.code, status)
	}
	return nil
}

// Send implements the transport.TDISP interface.
func (t *Transport) Send(input []byte) ([]byte, error) {
	output := make([]byte, tdisp.PageSize)
	if err := t.call(input, output); err != nil {
		return nil, err
	}
	n, err := tdisp.ResponseFrameLen(output)
	if err != nil {
		return nil, fmt.Errorf("reading hypercall output: %w", err)
	}
	return output[:n], nil
}

// Submit implements the transport.Channel interface. The host delivers the
// response to the address carried in the command.
func (t *Transport) Submit(cmd []byte) error {
	return t.call(cmd, nil)
}
