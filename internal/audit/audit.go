package audit

import (
	"fmt"
	"sync"
)

var (
	globalWriter Writer = NopWriter{}
	globalMu     sync.RWMutex
	enabled      bool
)

// Init installs w as the process audit writer. A nil writer disables
// audit logging.
func Init(w Writer) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if w == nil {
		globalWriter = NopWriter{}
		enabled = false
		return nil
	}
	globalWriter = w
	enabled = true
	return nil
}

// InitFile installs a FileWriter for path. An empty path disables audit
// logging.
func InitFile(path string) error {
	if path == "" {
		return Init(nil)
	}
	w, err := NewFileWriter(path)
	if err != nil {
		return err
	}
	return Init(w)
}

// Close closes the process audit writer and disables audit logging.
func Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	err := globalWriter.Close()
	globalWriter = NopWriter{}
	enabled = false
	return err
}

// Enabled returns whether audit logging is active.
func Enabled() bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return enabled
}

// Log writes an event to the process audit writer.
//
// If audit logging is enabled and this returns an error, the calling
// operation SHOULD fail.
func Log(event *Event) error {
	globalMu.RLock()
	w := globalWriter
	globalMu.RUnlock()

	if err := w.Write(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

// LogKeyLoaded logs a key file load.
func LogKeyLoaded(path, algorithm string, success bool, reason string) error {
	return Log(NewEvent(EventKeyLoaded, resultOf(success)).
		WithObject(Object{Type: "key", Path: path}).
		WithContext(Context{Algorithm: algorithm, Reason: reason}))
}

// LogKeyGenerated logs a key generation.
func LogKeyGenerated(path, algorithm string, success bool) error {
	return Log(NewEvent(EventKeyGenerated, resultOf(success)).
		WithObject(Object{Type: "key", Path: path}).
		WithContext(Context{Algorithm: algorithm}))
}

// LogOCSPRequest logs a request sent to a responder.
func LogOCSPRequest(url, serial, method string, count int, success bool, reason string) error {
	return Log(NewEvent(EventOCSPRequest, resultOf(success)).
		WithObject(Object{Type: "responder", URL: url, Serial: serial}).
		WithContext(Context{Method: method, Count: count, Reason: reason}))
}

// LogOCSPCheck logs the status obtained for a certificate.
func LogOCSPCheck(serial, subject, status, compliance string, success bool) error {
	return Log(NewEvent(EventOCSPCheck, resultOf(success)).
		WithObject(Object{Type: "certificate", Serial: serial, Subject: subject}).
		WithContext(Context{Status: status, Compliance: compliance}))
}

// LogOCSPServe logs a response produced by the responder.
func LogOCSPServe(serial, status, method string, success bool, reason string) error {
	return Log(NewEvent(EventOCSPServe, resultOf(success)).
		WithActor(Actor{Type: "service", ID: "qocsp-responder"}).
		WithObject(Object{Type: "certificate", Serial: serial}).
		WithContext(Context{Status: status, Method: method, Reason: reason}))
}

// LogStatusReloaded logs a reload of the responder status database.
func LogStatusReloaded(path string, count int, success bool, reason string) error {
	return Log(NewEvent(EventStatusReloaded, resultOf(success)).
		WithActor(Actor{Type: "service", ID: "qocsp-responder"}).
		WithObject(Object{Type: "status_db", Path: path}).
		WithContext(Context{Count: count, Reason: reason}))
}
