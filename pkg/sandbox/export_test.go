package sandbox

import "time"

func (p *Remote) SetNow(now func() time.Time) { p.now = now }
