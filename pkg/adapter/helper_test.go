package adapter_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/adapter"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

func newDeps() adapter.Deps {
	client := adapter.NewHTTPClient(nil)
	client.RetryMax = 0
	return adapter.Deps{
		Tokens: adapter.NewTokenRegistry(),
		HTTP:   client,
	}
}

func newService(t *testing.T, kind model.ServiceKind, url string, deps adapter.Deps) interfaces.TestingService {
	t.Helper()
	registry := adapter.NewRegistry(deps)
	svc, err := registry.Instance(t.Context(), model.ServiceRef{Kind: kind, URL: url})
	gt.NoError(t, err)
	return svc
}
