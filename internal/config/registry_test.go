package config_test

import (
	"errors"
	"testing"

	"github.com/songsense/songsense/internal/config"
	"github.com/songsense/songsense/pkg/provider/recognition"
	"github.com/songsense/songsense/pkg/provider/recognition/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.Register("local", func(_ *config.Config) (recognition.Provider, error) {
		return &mock.Provider{ProviderName: "local"}, nil
	})

	p, err := reg.Create("local", config.Default())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name() != "local" {
		t.Errorf("Name() = %q, want %q", p.Name(), "local")
	}
}

func TestRegistry_CreateUnknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.Create("nope", config.Default())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("Create error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_CreateAllPreservesOrder(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, name := range []string{"acrcloud", "local", "audd"} {
		name := name
		reg.Register(name, func(_ *config.Config) (recognition.Provider, error) {
			return &mock.Provider{ProviderName: name}, nil
		})
	}

	// Tier priority comes from the list, not the registration order.
	providers, err := reg.CreateAll([]string{"local", "audd", "acrcloud"}, config.Default())
	if err != nil {
		t.Fatalf("CreateAll: %v", err)
	}
	want := []string{"local", "audd", "acrcloud"}
	if len(providers) != len(want) {
		t.Fatalf("len(providers) = %d, want %d", len(providers), len(want))
	}
	for i, p := range providers {
		if p.Name() != want[i] {
			t.Errorf("providers[%d].Name() = %q, want %q", i, p.Name(), want[i])
		}
	}
}

func TestRegistry_CreateAllStopsOnError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.Register("broken", func(_ *config.Config) (recognition.Provider, error) {
		return nil, errors.New("bad credentials")
	})

	_, err := reg.CreateAll([]string{"broken"}, config.Default())
	if err == nil {
		t.Fatal("CreateAll should propagate factory errors")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factory := func(_ *config.Config) (recognition.Provider, error) {
		return &mock.Provider{}, nil
	}
	reg.Register("local", factory)
	reg.Register("acrcloud", factory)
	reg.Register("audd", factory)

	got := reg.Names()
	want := []string{"acrcloud", "audd", "local"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
}
