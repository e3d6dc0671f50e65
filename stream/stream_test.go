package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectLayout(t *testing.T) {
	assert.Equal(t, "DEVICESTREAMS_ACME", Name("acme"))
	assert.Equal(t, "acme.events.>", Root("acme"))
	assert.Equal(t, "acme.events.inbound.sensor-17", InboundSubject("acme", "sensor-17"))
	assert.Equal(t, "acme.events.unregistered.sensor-17", UnregisteredSubject("acme", "sensor-17"))
	assert.Equal(t, "acme.events.unregistered.>", UnregisteredFilter("acme"))
	assert.Equal(t, "acme.events.decodefailed.mqtt-src", DecodeFailedSubject("acme", "mqtt-src"))
	assert.Equal(t, "acme-unregistered", UnregisteredDurable("acme"))
}

func TestSubjectTokenSanitization(t *testing.T) {
	// Dots and wildcards in device tokens must not change subject depth.
	assert.Equal(t, "acme.events.inbound.dev_1_2", InboundSubject("acme", "dev.1.2"))
	assert.Equal(t, "acme.events.inbound.dev__", InboundSubject("acme", "dev*>"))
	assert.Equal(t, "acme.events.inbound.dev_a", InboundSubject("acme", "dev a"))
}

func TestConfigCoversAllSubjects(t *testing.T) {
	cfg := Config("acme")
	assert.Equal(t, "DEVICESTREAMS_ACME", cfg.Name)
	assert.Equal(t, []string{"acme.events.>"}, cfg.Subjects)
}
