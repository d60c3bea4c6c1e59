package mirrorkit

import "github.com/mirrorkit/mirrorkit/lib/cgeterr"

func cgetENOENT(err error) *cgeterr.Error { return cgeterr.Wrap(cgeterr.ENOENT, err) }
func cgetEACCES(err error) *cgeterr.Error { return cgeterr.Wrap(cgeterr.EACCES, err) }
