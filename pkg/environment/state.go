package environment

import (
	"sync"

	"github.com/wapchost/runtime/pkg/abi"
	"github.com/wapchost/runtime/pkg/resource"
)

// state is the Environment's store data (spec.md §3 "Environment state").
// Each cell is guarded by its own lock, never held across a suspension
// point; Environment.Call resets them via reset before a call and the ABI
// callbacks read/write them as the guest and host exchange bytes.
type state struct {
	guestRequestMu sync.RWMutex
	guestRequest   *abi.Invocation

	guestResponseMu sync.RWMutex
	guestResponse   []byte
	guestResponseOK bool

	guestErrorMu sync.RWMutex
	guestError   string
	guestErrorOK bool

	hostResponseMu sync.RWMutex
	hostResponse   []byte

	hostErrorMu sync.RWMutex
	hostError   error

	id uint64

	resourceTable *resource.Table
}

func newState() *state {
	return &state{resourceTable: resource.New()}
}

// reset installs a fresh Invocation and clears every response/error cell,
// the precondition spec.md §4.D "Call" step 1 requires.
func (s *state) reset(inv abi.Invocation) {
	s.guestRequestMu.Lock()
	s.guestRequest = &inv
	s.guestRequestMu.Unlock()

	s.guestResponseMu.Lock()
	s.guestResponse = nil
	s.guestResponseOK = false
	s.guestResponseMu.Unlock()

	s.guestErrorMu.Lock()
	s.guestError = ""
	s.guestErrorOK = false
	s.guestErrorMu.Unlock()

	s.hostResponseMu.Lock()
	s.hostResponse = nil
	s.hostResponseMu.Unlock()

	s.hostErrorMu.Lock()
	s.hostError = nil
	s.hostErrorMu.Unlock()
}

func (s *state) getGuestRequest() *abi.Invocation {
	s.guestRequestMu.RLock()
	defer s.guestRequestMu.RUnlock()
	return s.guestRequest
}

func (s *state) setGuestResponse(b []byte) {
	s.guestResponseMu.Lock()
	defer s.guestResponseMu.Unlock()
	s.guestResponse = b
	s.guestResponseOK = true
}

func (s *state) getGuestResponse() ([]byte, bool) {
	s.guestResponseMu.RLock()
	defer s.guestResponseMu.RUnlock()
	return s.guestResponse, s.guestResponseOK
}

func (s *state) setGuestError(msg string) {
	s.guestErrorMu.Lock()
	defer s.guestErrorMu.Unlock()
	s.guestError = msg
	s.guestErrorOK = true
}

func (s *state) getGuestError() (string, bool) {
	s.guestErrorMu.RLock()
	defer s.guestErrorMu.RUnlock()
	return s.guestError, s.guestErrorOK
}

func (s *state) setHostResponse(b []byte) {
	s.hostResponseMu.Lock()
	defer s.hostResponseMu.Unlock()
	s.hostResponse = b
}

func (s *state) getHostResponse() []byte {
	s.hostResponseMu.RLock()
	defer s.hostResponseMu.RUnlock()
	return s.hostResponse
}

func (s *state) setHostError(err error) {
	s.hostErrorMu.Lock()
	defer s.hostErrorMu.Unlock()
	s.hostError = err
}

func (s *state) getHostError() error {
	s.hostErrorMu.RLock()
	defer s.hostErrorMu.RUnlock()
	return s.hostError
}

// nextID increments and returns the state's call counter, used only to tag
// structured log lines for a given invocation (see Environment.Call).
func (s *state) nextID() uint64 {
	s.id++
	return s.id
}
