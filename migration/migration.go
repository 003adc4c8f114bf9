// This package defines a named database migration applied inside a transaction
// by the internal migrator.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(tx *sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
