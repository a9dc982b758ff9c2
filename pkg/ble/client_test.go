package ble_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/notify"
	"github.com/srg/blelink/internal/transport"
	"github.com/srg/blelink/internal/transport/transporttest"
	"github.com/srg/blelink/pkg/ble"
	"github.com/srg/blelink/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	devID     = "aa:bb:cc:dd:ee:01"
	gapSvc    = "00001800-0000-1000-8000-00805f9b34fb"
	gapName   = "00002a00-0000-1000-8000-00805f9b34fb"
	hrService = "0000180d-0000-1000-8000-00805f9b34fb"
	hrMeasure = "00002a37-0000-1000-8000-00805f9b34fb"
	hrControl = "00002a39-0000-1000-8000-00805f9b34fb"
	battSvc   = "0000180f-0000-1000-8000-00805f9b34fb"
	battLevel = "00002a19-0000-1000-8000-00805f9b34fb"
)

func sensor(id string) *transporttest.Peripheral {
	return transporttest.NewPeripheral(id,
		device.Service{
			UUID:            gapSvc,
			Primary:         true,
			Characteristics: []device.Characteristic{{UUID: gapName, Properties: device.PropRead}},
		},
		device.Service{
			UUID:    hrService,
			Primary: true,
			Characteristics: []device.Characteristic{
				{UUID: hrMeasure, Properties: device.PropNotify | device.PropRead, Descriptors: []string{"00002902-0000-1000-8000-00805f9b34fb"}},
				{UUID: hrControl, Properties: device.PropWrite | device.PropWriteNR},
			},
		},
		device.Service{
			UUID:            battSvc,
			Primary:         true,
			Characteristics: []device.Characteristic{{UUID: battLevel, Properties: device.PropRead}},
		},
	)
}

// step emits events once op has been issued n times.
type step struct {
	op     string
	n      int
	events []transport.Event
}

type ClientTestSuite struct {
	suite.Suite
	radio  *transporttest.Transport
	client *ble.Client
	ctx    context.Context
}

func (s *ClientTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.ctx = context.Background()
	s.radio = transporttest.New()
	s.client = ble.NewClient(s.ctx, ble.Options{
		Logger:         logger,
		Transport:      s.radio,
		ScanTimeout:    time.Hour,
		ListenerBuffer: 16,
	})
}

func (s *ClientTestSuite) TearDownTest() {
	s.NoError(s.client.Close())
}

// script plays radio responses in order on a background goroutine.
func (s *ClientTestSuite) script(steps ...step) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, st := range steps {
			if !s.radio.WaitFor(st.op, st.n, 2*time.Second) {
				return
			}
			for _, ev := range st.events {
				s.radio.Emit(ev)
			}
		}
	}()
	return done
}

func (s *ClientTestSuite) connect(id string) *transporttest.Peripheral {
	p := sensor(id)
	s.Require().NoError(s.client.Remember(id))
	done := s.script(step{transporttest.OpConnect, 1, []transport.Event{transport.Connected{Device: id, Peripheral: p}}})

	d, err := s.client.Connect(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Equal(id, d.ID)
	<-done
	s.radio.Reset()
	return p
}

func (s *ClientTestSuite) TestScan_AppliesAllowAndBlockLists() {
	done := s.script(step{transporttest.OpStartScan, 1, []transport.Event{
		transport.DeviceDiscovered{Device: "AA:BB:CC:DD:EE:01", RSSI: -50},
		transport.DeviceDiscovered{Device: "AA:BB:CC:DD:EE:02", RSSI: -60},
		transport.DeviceDiscovered{Device: "AA:BB:CC:DD:EE:03", RSSI: -70},
	}})

	entries, err := s.client.Scan(s.ctx, ble.ScanOptions{
		Duration:  200 * time.Millisecond,
		AllowList: []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"},
		BlockList: []string{"aa:bb:cc:dd:ee:02"},
	})
	<-done

	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(devID, entries[0].ID)
	s.Len(s.client.ScanResults(), 3, "lists do not affect the session snapshot")
}

func (s *ClientTestSuite) TestScan_ContextCancelAbandonsAndStopsRadio() {
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	_, err := s.client.Scan(ctx, ble.ScanOptions{})

	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(0, s.client.Engine().PendingCount())
	s.GreaterOrEqual(s.radio.Count(transporttest.OpStopScan), 1)
}

func (s *ClientTestSuite) TestFind_StopsOnceDeviceAdvertises() {
	done := s.script(step{transporttest.OpStartScan, 1, []transport.Event{
		transport.DeviceDiscovered{Device: "AA:BB:CC:DD:EE:09", RSSI: -80},
		transport.DeviceDiscovered{Device: "AA:BB:CC:DD:EE:01", LocalName: "Polar H10", RSSI: -55},
	}})

	entry, err := s.client.Find(s.ctx, "AA:BB:CC:DD:EE:01", ble.ScanOptions{})
	<-done

	s.Require().NoError(err)
	s.Equal(devID, entry.ID)
	s.Equal("Polar H10", entry.Name)
	s.Equal(1, s.radio.Count(transporttest.OpStopScan))
	s.Equal(0, s.client.Engine().PendingCount())
}

func (s *ClientTestSuite) TestFind_NotSeen() {
	_, err := s.client.Find(s.ctx, devID, ble.ScanOptions{Duration: 50 * time.Millisecond})

	s.ErrorIs(err, device.ErrUnknownDevice)
	var unknown *device.UnknownDeviceError
	s.Require().ErrorAs(err, &unknown)
	s.Equal(device.StateScanned, unknown.State)
}

func (s *ClientTestSuite) TestConnect_UnknownDevice() {
	_, err := s.client.Connect(s.ctx, devID)
	s.ErrorIs(err, device.ErrUnknownDevice)
	s.Empty(s.radio.Calls())
}

func (s *ClientTestSuite) TestConnect_AlreadyConnected() {
	s.connect(devID)

	d, err := s.client.Connect(s.ctx, devID)

	s.NoError(err)
	s.Equal(devID, d.ID)
	s.Empty(s.radio.Calls())
	s.Len(s.client.ConnectedDevices(), 1)
}

func (s *ClientTestSuite) TestDiscover() {
	p := s.connect(devID)
	done := s.script(
		step{transporttest.OpDiscoverServices, 1, []transport.Event{
			transport.ServicesDiscovered{Device: devID, Services: []string{gapSvc, hrService, battSvc}},
		}},
		step{transporttest.OpDiscoverCharacteristics, 3, []transport.Event{
			transport.CharacteristicsDiscovered{Device: devID, Service: gapSvc},
			transport.CharacteristicsDiscovered{Device: devID, Service: hrService},
			transport.CharacteristicsDiscovered{Device: devID, Service: battSvc},
		}},
	)

	services, err := s.client.Discover(s.ctx, devID)
	<-done

	s.Require().NoError(err)
	s.Equal(p.Services(), services)

	svcs, err := s.client.Services(devID)
	s.NoError(err)
	s.Len(svcs, 3)
	c, err := s.client.Characteristic(devID, "180d", "2a37")
	s.NoError(err)
	s.True(c.Properties.CanSubscribe())
}

func (s *ClientTestSuite) TestRead() {
	s.connect(devID)
	done := s.script(step{transporttest.OpReadValue, 1, []transport.Event{
		transport.ValueUpdated{Device: devID, Service: battSvc, Characteristic: battLevel, Value: []byte{0x57}},
	}})

	value, err := s.client.Read(s.ctx, devID, "180F", "2A19")
	<-done

	s.NoError(err)
	s.Equal([]byte{0x57}, value)
}

func (s *ClientTestSuite) TestRead_AbandonedRequestFreesSlot() {
	s.connect(devID)
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	_, err := s.client.Read(ctx, devID, battSvc, battLevel)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(0, s.client.Engine().PendingCount())

	done := s.script(step{transporttest.OpReadValue, 2, []transport.Event{
		transport.ValueUpdated{Device: devID, Service: battSvc, Characteristic: battLevel, Value: []byte{0x56}},
	}})
	value, err := s.client.Read(s.ctx, devID, battSvc, battLevel)
	<-done

	s.NoError(err)
	s.Equal([]byte{0x56}, value)
}

func (s *ClientTestSuite) TestRead_ValidationErrorsAreSynchronous() {
	s.connect(devID)

	_, err := s.client.Read(s.ctx, devID, "not-a-uuid", battLevel)
	s.ErrorIs(err, device.ErrInvalidIdentifier)

	_, err = s.client.Read(s.ctx, devID, battSvc, "2a38")
	s.ErrorIs(err, device.ErrAttributeNotFound)

	s.Empty(s.radio.Calls())
}

func (s *ClientTestSuite) TestWrite() {
	s.connect(devID)
	done := s.script(step{transporttest.OpWriteValue, 1, []transport.Event{
		transport.WriteCompleted{Device: devID, Service: hrService, Characteristic: hrControl},
	}})

	s.NoError(s.client.Write(s.ctx, devID, hrService, hrControl, []byte{0x01}, true))
	<-done

	s.NoError(s.client.Write(s.ctx, devID, hrService, hrControl, []byte{0x02}, false))

	calls := s.radio.CallsFor(transporttest.OpWriteValue)
	s.Require().Len(calls, 2)
	s.True(calls[0].Flag)
	s.False(calls[1].Flag)
	s.Equal([]byte{0x02}, calls[1].Value)
}

func (s *ClientTestSuite) TestWrite_FailureSurfaces() {
	s.connect(devID)
	done := s.script(step{transporttest.OpWriteValue, 1, []transport.Event{
		transport.WriteCompleted{Device: devID, Service: hrService, Characteristic: hrControl, Err: errors.New("att: write not permitted")},
	}})

	err := s.client.Write(s.ctx, devID, hrService, hrControl, []byte{0x01}, true)
	<-done

	s.ErrorIs(err, device.ErrTransportFailure)
}

func (s *ClientTestSuite) TestSubscribe() {
	s.connect(devID)

	l, err := s.client.Subscribe(devID, "180d", "2a37")
	s.Require().NoError(err)
	defer l.Close()

	calls := s.radio.CallsFor(transporttest.OpSetNotify)
	s.Require().Len(calls, 1)
	s.True(calls[0].Flag)

	s.radio.Emit(transport.ValueUpdated{Device: "AA:BB:CC:DD:EE:01", Service: hrService, Characteristic: hrControl, Value: []byte{0xff}})
	s.radio.Emit(transport.ValueUpdated{Device: "AA:BB:CC:DD:EE:01", Service: hrService, Characteristic: hrMeasure, Value: []byte{0x00, 0x48}})

	select {
	case n := <-l.C():
		s.Equal(notify.CharacteristicValue, n.Kind)
		s.Equal(hrMeasure, n.Attribute.Characteristic)
		s.Equal([]byte{0x00, 0x48}, n.Value)
	case <-time.After(2 * time.Second):
		s.Fail("no notification")
	}

	s.NoError(s.client.Unsubscribe(devID, hrService, hrMeasure))
	s.Len(s.radio.CallsFor(transporttest.OpSetNotify), 2)
}

func (s *ClientTestSuite) TestSubscribe_FailureClosesListener() {
	s.connect(devID)
	s.radio.FailNext(transporttest.OpSetNotify, errors.New("cccd write failed"))

	l, err := s.client.Subscribe(devID, hrService, hrMeasure)

	s.Nil(l)
	s.ErrorIs(err, device.ErrTransportFailure)
}

func (s *ClientTestSuite) TestDisconnect() {
	s.connect(devID)
	done := s.script(step{transporttest.OpDisconnect, 1, []transport.Event{transport.Disconnected{Device: devID}}})

	s.NoError(s.client.Disconnect(s.ctx, devID))
	<-done

	s.Empty(s.client.ConnectedDevices())
}

func (s *ClientTestSuite) TestInspect() {
	p := sensor(devID)
	done := s.script(
		step{transporttest.OpStartScan, 1, []transport.Event{
			transport.DeviceDiscovered{Device: "AA:BB:CC:DD:EE:01", LocalName: "H10", RSSI: -48},
		}},
		step{transporttest.OpConnect, 1, []transport.Event{transport.Connected{Device: devID, Peripheral: p}}},
		step{transporttest.OpDiscoverServices, 1, []transport.Event{
			transport.ServicesDiscovered{Device: devID, Services: []string{gapSvc, hrService, battSvc}},
		}},
		step{transporttest.OpDiscoverCharacteristics, 3, []transport.Event{
			transport.CharacteristicsDiscovered{Device: devID, Service: gapSvc},
			transport.CharacteristicsDiscovered{Device: devID, Service: hrService},
			transport.CharacteristicsDiscovered{Device: devID, Service: battSvc},
		}},
		step{transporttest.OpReadValue, 1, []transport.Event{
			transport.ValueUpdated{Device: devID, Service: gapSvc, Characteristic: gapName, Value: []byte("Polar H10 7A\x00")},
		}},
		step{transporttest.OpReadValue, 2, []transport.Event{
			transport.ValueUpdated{Device: devID, Service: hrService, Characteristic: hrMeasure, Value: []byte{0x00, 0x48, 0x10}},
		}},
		step{transporttest.OpReadValue, 3, []transport.Event{
			transport.ValueUpdated{Device: devID, Service: battSvc, Characteristic: battLevel, Err: errors.New("att: read not permitted")},
		}},
		step{transporttest.OpDisconnect, 1, []transport.Event{transport.Disconnected{Device: devID}}},
	)

	res, err := s.client.Inspect(s.ctx, "AA:BB:CC:DD:EE:01", ble.InspectOptions{ReadLimit: 2})
	s.Require().NoError(err)
	<-done

	s.Equal(devID, res.Address)
	s.Equal(-48, res.RSSI)
	s.Equal("Po", res.Name, "GAP name preview wins over the advertised name")
	s.Require().Len(res.Services, 3)

	hr := res.Services[1]
	s.Equal(hrService, hr.UUID)
	s.Require().Len(hr.Characteristics, 2)
	s.Equal("0048", hr.Characteristics[0].ValueHex)
	s.Equal(".H", hr.Characteristics[0].ValueASCII)
	s.Equal([]string{"00002902-0000-1000-8000-00805f9b34fb"}, hr.Characteristics[0].Descriptors)
	s.Empty(hr.Characteristics[1].ValueHex, "write-only characteristics are not read")

	s.NotEmpty(res.Services[2].Characteristics[0].ReadError)
	s.Equal(3, s.radio.Count(transporttest.OpReadValue))
	s.Empty(s.client.ConnectedDevices())
}

func (s *ClientTestSuite) TestClose_RejectsOutstandingRequests() {
	s.connect(devID)
	errs := make(chan error, 1)
	go func() {
		_, err := s.client.Read(s.ctx, devID, battSvc, battLevel)
		errs <- err
	}()
	s.Require().True(s.radio.WaitFor(transporttest.OpReadValue, 1, 2*time.Second))

	s.NoError(s.client.Close())

	select {
	case err := <-errs:
		s.ErrorIs(err, device.ErrCancelled)
	case <-time.After(2 * time.Second):
		s.Fail("read was not rejected")
	}
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := logrus.New()

	opts := ble.OptionsFromConfig(cfg, logger)

	assert.Same(t, logger, opts.Logger)
	assert.Equal(t, cfg.Scan.Timeout, opts.ScanTimeout)
	assert.Equal(t, cfg.Connect.Timeout, opts.ConnectTimeout)
	assert.Equal(t, cfg.Engine.EventBuffer, opts.EventBuffer)
	assert.Equal(t, cfg.Engine.ListenerBuffer, opts.ListenerBuffer)
	assert.Nil(t, opts.Transport)
}
