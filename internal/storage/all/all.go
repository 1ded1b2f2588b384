// Package all registers every storage backend with the factory.
// Binaries blank-import it so config selects the backend at runtime.
package all

import (
	_ "dhis2etl/internal/storage/mssql"
	_ "dhis2etl/internal/storage/postgres"
	_ "dhis2etl/internal/storage/sqlite"
)
