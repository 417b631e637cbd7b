package memory

import "errors"

var errJobExists = errors.New("job already exists")
