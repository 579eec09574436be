// Package portal wraps the session bus calls the recorder makes to the XDG
// desktop portal and the portal permission store.
package portal

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"
)

const (
	DesktopName       = "org.freedesktop.portal.Desktop"
	DesktopPath       = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"

	screenCastInterface = CallBaseName + ".ScreenCast"
	errorNotFound       = CallBaseName + ".Error.NotFound"
)

var ErrNotFound = errors.New("portal: entry not found")

var stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))

// FromString wraps s in a string-typed variant.
func FromString(s string) dbus.Variant {
	return dbus.MakeVariantWithSignature(s, stringSignature)
}

// Conn is a session bus connection.
type Conn struct {
	conn *dbus.Conn
}

// SessionBus returns the shared session bus connection.
func SessionBus() (*Conn, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

// Call invokes method on the object at dest/path. A NotFound reply from the
// portal is reported as ErrNotFound.
func (c *Conn) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...any) (*dbus.Call, error) {
	obj := c.conn.Object(dest, path)
	call := obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		if errorName(call.Err) == errorNotFound {
			return call, fmt.Errorf("%w: %v", ErrNotFound, call.Err)
		}
		return call, call.Err
	}
	return call, nil
}

func errorName(err error) string {
	var byValue dbus.Error
	if errors.As(err, &byValue) {
		return byValue.Name
	}
	var byPtr *dbus.Error
	if errors.As(err, &byPtr) && byPtr != nil {
		return byPtr.Name
	}
	return ""
}

// GetProperty reads a property of the desktop portal object.
func (c *Conn) GetProperty(ctx context.Context, interfaceName, property string) (any, error) {
	call, err := c.Call(ctx, DesktopName, DesktopPath, PropertiesGetName, interfaceName, property)
	if err != nil {
		return nil, err
	}

	var value any
	err = call.Store(&value)
	return value, err
}

func (c *Conn) getUint32Property(ctx context.Context, interfaceName, property string) (uint32, error) {
	value, err := c.GetProperty(ctx, interfaceName, property)
	if err != nil {
		return 0, err
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

// ScreenCastVersion reports the ScreenCast portal interface version.
func (c *Conn) ScreenCastVersion(ctx context.Context) (uint32, error) {
	return c.getUint32Property(ctx, screenCastInterface, "version")
}

// ScreenCastSourceTypes reports the ScreenCast source type bitmask
// (1 monitor, 2 window, 4 virtual).
func (c *Conn) ScreenCastSourceTypes(ctx context.Context) (uint32, error) {
	return c.getUint32Property(ctx, screenCastInterface, "AvailableSourceTypes")
}
