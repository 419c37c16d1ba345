package models

import (
	_ "github.com/r2gencmn/r2gen/model/models/basecmn"
)
