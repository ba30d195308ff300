// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package test holds integration tests against a live TwinCAT runtime.
// They are skipped unless ADS_TEST_TARGET names an AMS router, e.g.
//
//	ADS_TEST_TARGET=192.168.0.10 ADS_TEST_NETID=5.12.34.56.1.1 \
//	ADS_TEST_SOURCE=192.168.0.2.1.1 ADS_TEST_VARIABLE=MAIN.nCounter go test ./test
package test

import (
	"os"
	"testing"
	"time"

	"github.com/grid-x/ads"
	"github.com/rs/zerolog"
)

// router describes the device under test.
type router struct {
	address  string
	target   ads.AmsAddr
	source   ads.AmsAddr
	variable string
}

func routerFromEnv(t *testing.T) router {
	t.Helper()
	address := os.Getenv("ADS_TEST_TARGET")
	if address == "" {
		t.Skip("ADS_TEST_TARGET not set")
	}
	target, err := ads.ParseAmsNetID(os.Getenv("ADS_TEST_NETID"))
	if err != nil {
		t.Fatal(err)
	}
	source, err := ads.ParseAmsNetID(os.Getenv("ADS_TEST_SOURCE"))
	if err != nil {
		t.Fatal(err)
	}
	variable := os.Getenv("ADS_TEST_VARIABLE")
	if variable == "" {
		variable = "MAIN.nCounter"
	}
	return router{
		address:  address,
		target:   ads.AmsAddr{NetID: target, Port: ads.DefaultPLCPort},
		source:   ads.AmsAddr{NetID: source, Port: 32905},
		variable: variable,
	}
}

func newTransport(t *testing.T, r router) *ads.TCPTransport {
	t.Helper()
	transport := ads.NewTCPTransport(r.address, r.target, r.source)
	transport.Timeout = 5 * time.Second
	transport.Logger = zerolog.New(zerolog.NewTestWriter(t))
	t.Cleanup(func() { transport.Close() })
	return transport
}

func newClient(t *testing.T, r router) *ads.Client {
	t.Helper()
	transport := newTransport(t, r)
	logger := zerolog.New(zerolog.NewTestWriter(t))
	client := ads.New(transport, ads.NewUploadCatalog(transport, logger),
		ads.WithLogger(logger), ads.WithScanInterval(50*time.Millisecond))
	t.Cleanup(func() { client.Close() })
	return client
}
