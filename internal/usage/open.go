package usage

import (
	"fmt"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverOff      = "off"
)

// Open returns the store for driver. DriverOff yields ErrStorageDisabled.
func Open(driver, path, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPostgres:
		store, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverOff:
		return nil, ErrStorageDisabled
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
