package netinfo

import "errors"

var errNoInterface = errors.New("netinfo: no usable interface")
