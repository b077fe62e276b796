package osmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReservationFor(t *testing.T) {
	require.Equal(t, minDefaultReservation, reservationFor(0))
	require.Equal(t, minDefaultReservation, reservationFor(128*1024*1024))
	require.Equal(t, 512*1024*1024, reservationFor(2*1024*1024*1024))
	require.Equal(t, maxDefaultReservation, reservationFor(64*1024*1024*1024))
}
