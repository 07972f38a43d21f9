package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
	assert.Equal(t, 5, c.PipelineDepth)
	assert.Equal(t, 20, c.EndGameThreshold)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.UseTrackers, c.UseDHT = false, false
	assert.Error(t, c.Validate())

	c = Default()
	c.PipelineDepth = 0
	assert.Error(t, c.Validate())

	c = Default()
	c.MaxMessageLength = 100
	assert.Error(t, c.Validate())

	c = Default()
	c.RequestTimeout = 0
	assert.Error(t, c.Validate())

	c = Default()
	c.UploadLimit = -1
	assert.Error(t, c.Validate())

	c = Default()
	c.IdleTimeout = time.Second
	assert.NoError(t, c.Validate())
}

func TestAnnounceList(t *testing.T) {
	c := Default()
	c.UsePublicTrackers = false
	c.Trackers = []string{"udp://a:1", "udp://b:1"}

	tiers := c.AnnounceList([][]string{{"udp://a:1"}, {}})
	assert.Equal(t, [][]string{{"udp://a:1"}, {"udp://b:1"}}, tiers)

	c.UsePublicTrackers = true
	tiers = c.AnnounceList(nil)
	assert.Len(t, tiers, 1)
	assert.Len(t, tiers[0], 2+len(PublicTrackers))
}
