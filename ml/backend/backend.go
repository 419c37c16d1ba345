package backend

import (
	_ "github.com/r2gencmn/r2gen/ml/backend/dense"
)
