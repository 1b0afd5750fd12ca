package connection

import (
	"context"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
)

// scriptedProvider authenticates deterministically per credential name, for
// tests that need to control which sources come up Ready vs Failed.
type scriptedProvider struct {
	fail map[string]*platform.InitFailure
}

func (p *scriptedProvider) Authenticate(ctx context.Context, cred platform.Credential) (platform.Client, *platform.InitFailure) {
	if p.fail != nil {
		if f, ok := p.fail[cred.Name]; ok {
			return nil, f
		}
	}
	return platform.NewFakeClient(), nil
}
