//go:build !linux

package transport

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mil-ad/posbridge/internal/bluez"
	"github.com/mil-ad/posbridge/internal/registry"
)

// RFCOMM is unavailable outside Linux; generic SPP sockets are not exposed.
type RFCOMM struct{}

func NewRFCOMM(_ *bluez.Client, _ RFCOMMOptions, log logrus.FieldLogger) (*RFCOMM, error) {
	log.Warn("Bluetooth SPP is only supported on Linux, running TCP only")
	return nil, registry.ErrUnsupported
}

func (t *RFCOMM) Kind() registry.Kind { return registry.Bluetooth }

func (t *RFCOMM) Open(context.Context, registry.Endpoint) (registry.Handle, error) {
	return nil, registry.ErrUnsupported
}
