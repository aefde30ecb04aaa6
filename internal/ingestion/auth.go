package ingestion

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// Credentials identify the trading account. They are injected from
// configuration and never read from source.
type Credentials struct {
	APIKey     string
	ClientCode string
	PIN        string
	TOTPSecret string
}

// Tokens are issued by a successful login.
type Tokens struct {
	JWT      string
	Refresh  string
	Feed     string
	IssuedAt time.Time
}

func (c Credentials) Validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "api key")
	}
	if c.ClientCode == "" {
		missing = append(missing, "client code")
	}
	if c.PIN == "" {
		missing = append(missing, "pin")
	}
	if c.TOTPSecret == "" {
		missing = append(missing, "totp secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrAuth, strings.Join(missing, ", "))
	}
	return nil
}

// OTP returns the current one-time password for the account.
func (c Credentials) OTP(at time.Time) (string, error) {
	code, err := totp.GenerateCode(strings.ToUpper(strings.ReplaceAll(c.TOTPSecret, " ", "")), at)
	if err != nil {
		return "", fmt.Errorf("%w: invalid totp secret: %v", ErrAuth, err)
	}
	return code, nil
}

// identity is the client fingerprint the broker expects on every call.
type identity struct {
	localIP string
	mac     string
}

func detectIdentity() identity {
	return identity{localIP: localIP(), mac: macAddress()}
}

// setHeaders adds the headers every broker call carries.
func (id identity) setHeaders(req *http.Request, apiKey, jwt string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", id.localIP)
	req.Header.Set("X-ClientPublicIP", id.localIP)
	req.Header.Set("X-MACAddress", id.mac)
	req.Header.Set("X-PrivateKey", apiKey)
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback == 0 && len(i.HardwareAddr) > 0 {
			return i.HardwareAddr.String()
		}
	}
	return "00:00:00:00:00:00"
}
