package portal

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
)

const (
	permissionStoreName      = "org.freedesktop.impl.portal.PermissionStore"
	permissionStorePath      = "/org/freedesktop/impl/portal/PermissionStore"
	permissionStoreInterface = "org.freedesktop.impl.portal.PermissionStore"
)

// PermissionStore is one table of the portal permission store.
type PermissionStore struct {
	conn  *Conn
	table string
}

// NewPermissionStore binds table on conn.
func NewPermissionStore(conn *Conn, table string) *PermissionStore {
	return &PermissionStore{conn: conn, table: table}
}

// Lookup returns the permissions recorded per app for id, and the data
// value attached to id. ErrNotFound means nothing was ever recorded.
func (s *PermissionStore) Lookup(ctx context.Context, id string) (map[string][]string, dbus.Variant, error) {
	call, err := s.conn.Call(ctx, permissionStoreName, permissionStorePath, permissionStoreInterface+".Lookup", s.table, id)
	if err != nil {
		return nil, dbus.Variant{}, err
	}

	var (
		permissions map[string][]string
		data        dbus.Variant
	)
	if err := call.Store(&permissions, &data); err != nil {
		return nil, dbus.Variant{}, err
	}
	return permissions, data, nil
}

// SetPermission records permissions for app under id, creating the table
// when needed.
func (s *PermissionStore) SetPermission(ctx context.Context, id, app string, permissions []string) error {
	_, err := s.conn.Call(ctx, permissionStoreName, permissionStorePath, permissionStoreInterface+".SetPermission",
		s.table, true, id, app, permissions)
	return err
}

// SetValue attaches a free-form value to id.
func (s *PermissionStore) SetValue(ctx context.Context, id string, value dbus.Variant) error {
	_, err := s.conn.Call(ctx, permissionStoreName, permissionStorePath, permissionStoreInterface+".SetValue",
		s.table, true, id, value)
	return err
}

// Delete removes id and everything recorded under it. Deleting an unknown
// id is not an error.
func (s *PermissionStore) Delete(ctx context.Context, id string) error {
	_, err := s.conn.Call(ctx, permissionStoreName, permissionStorePath, permissionStoreInterface+".Delete", s.table, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
