package telemetry

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// AzureConfig identifies one device on an Azure IoT Hub.
type AzureConfig struct {
	HubHost         string `yaml:"hub_host" json:"hubHost"` // e.g. myhub.azure-devices.net
	DeviceID        string `yaml:"device_id" json:"deviceId"`
	DeviceKey       string `yaml:"device_key" json:"-"` // base64 symmetric key
	TokenTTLMinutes int    `yaml:"token_ttl_minutes" json:"tokenTtlMinutes"`
}

const (
	azureAPIVersion = "2021-04-12"
	azurePort       = 8883
	publishTimeout  = 5 * time.Second
	connectTimeout  = 10 * time.Second
)

var (
	ErrNotConnected   = errors.New("telemetry: not connected")
	ErrIncomplete     = errors.New("telemetry: hub host, device id and device key are required")
	ErrPublishTimeout = errors.New("telemetry: publish timed out")
)

// allow tests to substitute the MQTT client and clock
var (
	newMQTTClient = mqtt.NewClient
	now           = time.Now
)

// AzureIoT sends device-to-cloud messages to an Azure IoT Hub over MQTT,
// authenticating with a SAS token derived from the device key.
type AzureIoT struct {
	cfg    AzureConfig
	ttl    time.Duration
	mu     sync.Mutex
	client mqtt.Client
}

func NewAzureIoT(cfg AzureConfig) *AzureIoT {
	if cfg.TokenTTLMinutes <= 0 {
		cfg.TokenTTLMinutes = 60
	}
	return &AzureIoT{
		cfg: cfg,
		ttl: time.Duration(cfg.TokenTTLMinutes) * time.Minute,
	}
}

func (a *AzureIoT) username() string {
	return fmt.Sprintf("%s/%s/?api-version=%s", a.cfg.HubHost, a.cfg.DeviceID, azureAPIVersion)
}

func (a *AzureIoT) topic() string {
	return fmt.Sprintf("devices/%s/messages/events/", a.cfg.DeviceID)
}

func (a *AzureIoT) resource() string {
	return a.cfg.HubHost + "/devices/" + a.cfg.DeviceID
}

// credentials is called by the client on every (re)connect so the SAS
// token never outlives its TTL across reconnects.
func (a *AzureIoT) credentials() (string, string) {
	token, err := sasToken(a.resource(), a.cfg.DeviceKey, now().Add(a.ttl))
	if err != nil {
		log.Errorf("[azure] could not sign token: %v", err)
	}
	return a.username(), token
}

// Connect opens the MQTT session to the hub.
func (a *AzureIoT) Connect() error {
	if a.cfg.HubHost == "" || a.cfg.DeviceID == "" || a.cfg.DeviceKey == "" {
		return ErrIncomplete
	}
	if _, err := base64.StdEncoding.DecodeString(a.cfg.DeviceKey); err != nil {
		return errors.Wrap(err, "telemetry: device key is not base64")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", a.cfg.HubHost, azurePort)).
		SetClientID(a.cfg.DeviceID).
		SetProtocolVersion(4).
		SetCredentialsProvider(a.credentials).
		SetTLSConfig(&tls.Config{ServerName: a.cfg.HubHost, MinVersion: tls.VersionTLS12}).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("[azure] connection lost: %v", err)
		})

	client := newMQTTClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		// stop the client so a late CONNACK cannot open a second session
		client.Disconnect(0)
		return errors.Errorf("telemetry: connect to %s timed out", a.cfg.HubHost)
	}
	if err := tok.Error(); err != nil {
		client.Disconnect(0)
		return errors.Wrapf(err, "telemetry: connect to %s", a.cfg.HubHost)
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	log.Printf("[azure] connected to %s as %s", a.cfg.HubHost, a.cfg.DeviceID)
	return nil
}

// Send publishes payload as a device-to-cloud message (QoS 1).
func (a *AzureIoT) Send(payload []byte) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	tok := client.Publish(a.topic(), 1, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return errors.Wrap(tok.Error(), "telemetry: publish")
}

func (a *AzureIoT) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Disconnect(250)
		a.client = nil
	}
	return nil
}

// sasToken signs resource until expiry with the base64 device key.
func sasToken(resource, key string, expiry time.Time) (string, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", errors.Wrap(err, "telemetry: decode device key")
	}
	sr := url.QueryEscape(resource)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se), nil
}
