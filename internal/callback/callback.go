// Package callback holds registered client callbacks and fans service
// notifications out to them.
package callback

import "fmt"

// Callback is the client endpoint contract. Every method is one-way from
// the service's point of view; a returned error marks the endpoint stale.
type Callback interface {
	OnConnected() error
	OnDisconnected(reason string) error
	OnStatusUpdate(status string) error
	OnError(code int, message string) error
	OnDataReceived(dataType string, data []byte) error
	OnEvent(eventType int, eventData string) error
	OnModuleStateChanged(packageName string, enabled bool) error
	OnSystemEvent(eventType int, eventData string) error

	// Deprecated: delivered right after every OnEvent and OnSystemEvent.
	OnServiceEvent(eventType int, message string) error
}

// Handle identifies one registered callback.
type Handle string

// Kind enumerates notification kinds.
type Kind int

const (
	KindConnected Kind = iota
	KindDisconnected
	KindStatusUpdate
	KindError
	KindDataReceived
	KindEvent
	KindModuleStateChanged
	KindSystemEvent
)

var kindNames = [...]string{
	KindConnected:          "connected",
	KindDisconnected:       "disconnected",
	KindStatusUpdate:       "status_update",
	KindError:              "error",
	KindDataReceived:       "data_received",
	KindEvent:              "event",
	KindModuleStateChanged: "module_state_changed",
	KindSystemEvent:        "system_event",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event types carried by Event notifications.
const (
	EventTypeFileImported  = 1
	EventTypeFileExported  = 2
	EventTypeConfigUpdated = 3
	EventTypeCustom        = 100
)

// Error codes carried by Error notifications.
const (
	ErrorCodeIntegrity     = 1
	ErrorCodeStorage       = 2
	ErrorCodeCommandFailed = 3
	ErrorCodeInternal      = 4
)

// Notification is one value to deliver. Only the fields of its Kind are set.
type Notification struct {
	Kind Kind

	Reason   string // Disconnected
	Status   string // StatusUpdate
	Code     int    // Error
	Message  string // Error
	DataType string // DataReceived
	Data     []byte // DataReceived
	Type     int    // Event, SystemEvent
	Payload  string // Event, SystemEvent
	Package  string // ModuleStateChanged
	Enabled  bool   // ModuleStateChanged
}

// Connected builds a Connected notification.
func Connected() Notification { return Notification{Kind: KindConnected} }

// Disconnected builds a Disconnected notification.
func Disconnected(reason string) Notification {
	return Notification{Kind: KindDisconnected, Reason: reason}
}

// StatusUpdate builds a StatusUpdate notification.
func StatusUpdate(status string) Notification {
	return Notification{Kind: KindStatusUpdate, Status: status}
}

// Error builds an Error notification.
func Error(code int, message string) Notification {
	return Notification{Kind: KindError, Code: code, Message: message}
}

// DataReceived builds a DataReceived notification. data is not copied.
func DataReceived(dataType string, data []byte) Notification {
	return Notification{Kind: KindDataReceived, DataType: dataType, Data: data}
}

// Event builds an Event notification.
func Event(eventType int, data string) Notification {
	return Notification{Kind: KindEvent, Type: eventType, Payload: data}
}

// ModuleStateChanged builds a ModuleStateChanged notification.
func ModuleStateChanged(pkg string, enabled bool) Notification {
	return Notification{Kind: KindModuleStateChanged, Package: pkg, Enabled: enabled}
}

// SystemEvent builds a SystemEvent notification.
func SystemEvent(eventType int, data string) Notification {
	return Notification{Kind: KindSystemEvent, Type: eventType, Payload: data}
}

// Deliver invokes the callback method(s) matching n. Event and
// SystemEvent are followed by the legacy OnServiceEvent.
func Deliver(cb Callback, n Notification) error {
	switch n.Kind {
	case KindConnected:
		return cb.OnConnected()
	case KindDisconnected:
		return cb.OnDisconnected(n.Reason)
	case KindStatusUpdate:
		return cb.OnStatusUpdate(n.Status)
	case KindError:
		return cb.OnError(n.Code, n.Message)
	case KindDataReceived:
		return cb.OnDataReceived(n.DataType, n.Data)
	case KindEvent:
		if err := cb.OnEvent(n.Type, n.Payload); err != nil {
			return err
		}
		return cb.OnServiceEvent(n.Type, n.Payload)
	case KindModuleStateChanged:
		return cb.OnModuleStateChanged(n.Package, n.Enabled)
	case KindSystemEvent:
		if err := cb.OnSystemEvent(n.Type, n.Payload); err != nil {
			return err
		}
		return cb.OnServiceEvent(n.Type, n.Payload)
	default:
		return fmt.Errorf("unknown notification kind %d", n.Kind)
	}
}
