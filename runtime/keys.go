package runtime

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/fatih/color"
)

// ensureKeys writes a self-signed certificate to the configured TLS paths
// when they do not exist yet.
func (r *Runtime) ensureKeys() error {
	certPath, keyPath := r.clusterCfg.TLS.Cert, r.clusterCfg.TLS.Key
	if certPath == "" || keyPath == "" {
		return nil
	}
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return nil
	}

	r.logger.Info("Generating self-signed certificate", "cert", certPath, "key", keyPath)
	if err := generateSelfSigned(r.clusterCfg.Nodes, certPath, keyPath); err != nil {
		return err
	}
	color.HiYellow("Generated a self-signed certificate at %s; clients need clientSkipVerify or this cert in their trust store", certPath)
	return nil
}

func generateSelfSigned(nodes map[string]config.Node, certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"ledgerfs local"},
			CommonName:   "lfsd-node",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	template.DNSNames, template.IPAddresses = certHosts(nodes)

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyPath, err)
	}
	return nil
}

// certHosts collects every name and address a node can be reached by.
func certHosts(nodes map[string]config.Node) ([]string, []net.IP) {
	dnsNames := []string{"localhost"}
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	seen := map[string]bool{"localhost": true, "127.0.0.1": true, "::1": true}

	add := func(hostOrHostPort string) {
		if hostOrHostPort == "" {
			return
		}
		host, _, err := net.SplitHostPort(hostOrHostPort)
		if err != nil {
			host = hostOrHostPort
		}
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
			return
		}
		dnsNames = append(dnsNames, host)
	}

	for _, node := range nodes {
		add(node.HttpBinding)
		add(node.ClientDomain)
	}
	return dnsNames, ips
}
