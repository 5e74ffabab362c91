package attendance

import "time"

func (i *Issuer) SetClock(now func() time.Time) { i.now = now }
func (i *Issuer) SetTokenSource(f func() (string, error)) { i.newToken = f }
func (a *Authorizer) SetClock(now func() time.Time) { a.now = now }
func (s *Sessions) SetClock(now func() time.Time) { s.now = now }
func (v *Validator) SetIDSource(f func() string) { v.newID = f }
