package endpoint_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
)

func newRegistry() *endpoint.Registry {
	return endpoint.NewRegistry(endpoint.RegistryConfig{})
}

func TestRegisterValidatesURL(t *testing.T) {
	reg := newRegistry()

	_, err := reg.Register(endpoint.Spec{})
	e, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.MissingProperty, e.Code)

	_, err = reg.Register(endpoint.Spec{BotURL: "not a url"})
	e, ok = apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.BadArgument, e.Code)

	_, err = reg.Register(endpoint.Spec{BotURL: "http://localhost:3978/api/messages", ChannelService: "mars"})
	require.Error(t, err)
}

func TestRegisterReusesMatchingEndpoint(t *testing.T) {
	reg := newRegistry()
	spec := endpoint.Spec{BotURL: "http://localhost:3978/api/messages", AppID: appID, AppPassword: appSecret}

	first, err := reg.Register(spec)
	require.NoError(t, err)
	second, err := reg.Register(spec)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, endpoint.ChannelServicePublic, first.ChannelService)
	require.Len(t, reg.List(), 1)
}

func TestRegisterByIDReplacesChangedCredentials(t *testing.T) {
	reg := newRegistry()
	first, err := reg.Register(endpoint.Spec{ID: "bot-1", BotURL: "http://localhost:3978/api/messages", AppID: appID, AppPassword: "old"})
	require.NoError(t, err)

	second, err := reg.Register(endpoint.Spec{ID: "bot-1", BotURL: "http://localhost:3978/api/messages", AppID: appID, AppPassword: "new"})
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, "bot-1", second.ID)
	require.Equal(t, "new", second.AppPassword)

	got, ok := reg.Get("bot-1")
	require.True(t, ok)
	require.Same(t, second, got)
	require.Len(t, reg.List(), 1)
}

func TestFromBearer(t *testing.T) {
	reg := newRegistry()
	ep, err := reg.Register(endpoint.Spec{BotURL: "http://localhost:3978/api/messages"})
	require.NoError(t, err)

	got, ok := reg.FromBearer("Bearer " + ep.ID)
	require.True(t, ok)
	require.Same(t, ep, got)

	_, ok = reg.FromBearer(ep.ID)
	require.False(t, ok)
	_, ok = reg.FromBearer("Bearer unknown")
	require.False(t, ok)
}

func TestInfoOmitsSecret(t *testing.T) {
	reg := newRegistry()
	ep, err := reg.Register(endpoint.Spec{
		BotURL:         "http://localhost:3978/api/messages",
		AppID:          appID,
		AppPassword:    appSecret,
		ChannelService: endpoint.ChannelServiceGovernment,
	})
	require.NoError(t, err)

	info := ep.Info()
	require.True(t, info.HasCredentials)
	require.Equal(t, endpoint.ChannelServiceGovernment, info.ChannelService)
	require.NotContains(t, ep.String(), appSecret)
}
