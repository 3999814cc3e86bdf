// Package all links every run-store backend into the binary.
//
// Import it for side effects only:
//
//	import _ "mlprep/internal/runstore/all"
package all

import (
	_ "mlprep/internal/runstore/mssql"
	_ "mlprep/internal/runstore/postgres"
	_ "mlprep/internal/runstore/sqlite"
)
