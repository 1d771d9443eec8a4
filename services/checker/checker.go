package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fwdist/pkg/bus"
)

const (
	// DefaultInterval is how often one device is checked.
	DefaultInterval = 30 * time.Second

	fetchTimeout = 15 * time.Second
	maxBodyBytes = 1024

	firmwareFile = "firmware.bin"
	versionFile  = "firmware_version.txt"
	md5File      = "firmware.md5"
)

var (
	errStatus       = errors.New("unexpected status")
	errBodyTooLarge = errors.New("response body too large")
	errBadVersion   = errors.New("invalid firmware version")
)

// Firmware is the newest build a storage server offers for a device.
type Firmware struct {
	Version uint32
	MD5     string
}

// Update tells a device at an older version where to fetch the newer build.
type Update struct {
	URL     string
	MD5     string
	Version uint32
}

// Options configures a Checker.
type Options struct {
	BaseURL string
	Devices []Device
	Client  *http.Client
	Logger  zerolog.Logger
	// OnAvailable is called after every successful check.
	OnAvailable func(Device, Firmware)
}

// Checker polls a storage server for the firmware of a fixed set of devices, one device per tick.
type Checker struct {
	baseURL     string
	devices     []Device
	client      *http.Client
	log         zerolog.Logger
	onAvailable func(Device, Firmware)

	mu       sync.Mutex
	next     int
	firmware map[Device]Firmware
}

func New(opts Options) (*Checker, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Checker{
		baseURL:     base,
		devices:     normalizeDevices(opts.Devices),
		client:      client,
		log:         opts.Logger,
		onAvailable: opts.OnAvailable,
		firmware:    make(map[Device]Firmware),
	}, nil
}

// Devices returns the devices checked in round-robin order.
func (c *Checker) Devices() []Device {
	return append([]Device(nil), c.devices...)
}

// Run checks one device immediately and then one per interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.CheckNext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.CheckNext(ctx)
		}
	}
}

// CheckNext checks the next device in round-robin order.
func (c *Checker) CheckNext(ctx context.Context) {
	if len(c.devices) == 0 {
		c.log.Warn().Msg("no available types to check")
		return
	}

	c.mu.Lock()
	if c.next >= len(c.devices) {
		c.next = 0
	}
	device := c.devices[c.next]
	c.next++
	c.mu.Unlock()

	c.Check(ctx, device)
}

// Check fetches version and MD5 for device and records the result.
// A failed check forgets whatever was previously recorded for the device.
func (c *Checker) Check(ctx context.Context, device Device) (Firmware, bool) {
	logger := c.log.With().Str("device", device.String()).Logger()
	versionURL := c.url(device, versionFile)
	logger.Info().Str("url", versionURL).Msg("checking firmware version")

	version, versionErr := c.fetchVersion(ctx, versionURL)
	if versionErr != nil {
		logger.Warn().Err(versionErr).Msg("failed to get firmware version")
	} else {
		logger.Info().Uint32("version", version).Msg("got firmware version")
	}

	md5, md5Err := c.fetch(ctx, c.url(device, md5File))
	md5 = strings.TrimSpace(md5)
	if md5Err == nil && md5 == "" {
		md5Err = errors.New("empty md5")
	}
	if md5Err != nil {
		logger.Warn().Err(md5Err).Msg("failed to get firmware md5")
	} else {
		logger.Info().Str("md5", md5).Msg("got firmware md5")
	}

	if versionErr != nil || md5Err != nil {
		c.mu.Lock()
		delete(c.firmware, device)
		c.mu.Unlock()
		logger.Warn().Msg("unable to get firmware version or md5")
		return Firmware{}, false
	}

	fw := Firmware{Version: version, MD5: md5}
	c.mu.Lock()
	c.firmware[device] = fw
	c.mu.Unlock()

	if c.onAvailable != nil {
		c.onAvailable(device, fw)
	}
	return fw, true
}

// Firmware returns the last successfully checked firmware for device.
func (c *Checker) Firmware(device Device) (Firmware, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fw, ok := c.firmware[device]
	return fw, ok
}

// UpdateFor reports where a device running current can fetch a newer build, if one is known.
func (c *Checker) UpdateFor(device Device, current uint32) (Update, bool) {
	fw, ok := c.Firmware(device)
	if !ok || fw.Version <= current {
		return Update{}, false
	}
	return Update{URL: c.url(device, firmwareFile), MD5: fw.MD5, Version: fw.Version}, true
}

// HandleEvent rechecks the device an upload event belongs to. Events for unknown devices are ignored.
func (c *Checker) HandleEvent(ctx context.Context, data []byte) error {
	evt, err := bus.DecodeArtifactStored(data)
	if err != nil {
		return err
	}
	device := Device{Type: evt.Type, Hardware: evt.Second}
	if !c.watches(device) {
		return nil
	}
	switch evt.Filename {
	case firmwareFile, versionFile, md5File:
		c.Check(ctx, device)
	}
	return nil
}

func (c *Checker) watches(device Device) bool {
	for _, d := range c.devices {
		if d == device {
			return true
		}
	}
	return false
}

func (c *Checker) url(device Device, file string) string {
	return c.baseURL + "/" + device.Path() + "/" + file
}

func (c *Checker) fetchVersion(ctx context.Context, url string) (uint32, error) {
	body, err := c.fetch(ctx, url)
	if err != nil {
		return 0, err
	}
	return ParseVersion(body)
}

// ParseVersion parses a firmware_version.txt body. Versions are positive base-10 integers.
func ParseVersion(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w %q", errBadVersion, s)
	}
	return uint32(v), nil
}

func (c *Checker) fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w %d", errStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	if len(body) >= maxBodyBytes {
		return "", errBodyTooLarge
	}
	return string(body), nil
}
