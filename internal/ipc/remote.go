package ipc

import (
	"auradrive/internal/callback"
)

// remoteCallback forwards each callback method to the client as a
// MsgCallback frame. A failed write makes the registry drop the handle.
type remoteCallback struct {
	conn  *conn
	codec Codec
}

var _ callback.Callback = (*remoteCallback)(nil)

func (r *remoteCallback) push(f *CallbackFrame) error {
	msg, err := encode(r.codec, MsgCallback, r.conn.pushID.Add(1), 0, f)
	if err != nil {
		return err
	}
	return r.conn.write(msg)
}

func (r *remoteCallback) OnConnected() error {
	return r.push(&CallbackFrame{Method: MethodConnected})
}

func (r *remoteCallback) OnDisconnected(reason string) error {
	return r.push(&CallbackFrame{Method: MethodDisconnected, Reason: reason})
}

func (r *remoteCallback) OnStatusUpdate(status string) error {
	return r.push(&CallbackFrame{Method: MethodStatusUpdate, Status: status})
}

func (r *remoteCallback) OnError(code int, message string) error {
	return r.push(&CallbackFrame{Method: MethodError, Code: code, Message: message})
}

func (r *remoteCallback) OnDataReceived(dataType string, data []byte) error {
	return r.push(&CallbackFrame{Method: MethodDataReceived, DataType: dataType, Data: data})
}

func (r *remoteCallback) OnEvent(eventType int, eventData string) error {
	return r.push(&CallbackFrame{Method: MethodEvent, Type: eventType, Message: eventData})
}

func (r *remoteCallback) OnModuleStateChanged(pkg string, enabled bool) error {
	return r.push(&CallbackFrame{Method: MethodModuleStateChanged, Package: pkg, Enabled: enabled})
}

func (r *remoteCallback) OnSystemEvent(eventType int, eventData string) error {
	return r.push(&CallbackFrame{Method: MethodSystemEvent, Type: eventType, Message: eventData})
}

func (r *remoteCallback) OnServiceEvent(eventType int, message string) error {
	return r.push(&CallbackFrame{Method: MethodServiceEvent, Type: eventType, Message: message})
}

// dispatchFrame invokes the method of cb named by f.
func dispatchFrame(cb callback.Callback, f *CallbackFrame) error {
	switch f.Method {
	case MethodConnected:
		return cb.OnConnected()
	case MethodDisconnected:
		return cb.OnDisconnected(f.Reason)
	case MethodStatusUpdate:
		return cb.OnStatusUpdate(f.Status)
	case MethodError:
		return cb.OnError(f.Code, f.Message)
	case MethodDataReceived:
		return cb.OnDataReceived(f.DataType, f.Data)
	case MethodEvent:
		return cb.OnEvent(f.Type, f.Message)
	case MethodModuleStateChanged:
		return cb.OnModuleStateChanged(f.Package, f.Enabled)
	case MethodSystemEvent:
		return cb.OnSystemEvent(f.Type, f.Message)
	case MethodServiceEvent:
		return cb.OnServiceEvent(f.Type, f.Message)
	}
	return nil
}
