package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteStatusCanTransition(t *testing.T) {
	allowed := map[[2]RouteStatus]bool{
		{RouteDraft, RouteActive}:       true,
		{RouteActive, RouteCompleted}:   true,
		{RouteDraft, RouteArchived}:     true,
		{RouteActive, RouteArchived}:    true,
		{RouteCompleted, RouteArchived}: true,
	}
	all := []RouteStatus{RouteDraft, RouteActive, RouteCompleted, RouteArchived}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]RouteStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, RouteDraft.CanTransition("paused"))
}
