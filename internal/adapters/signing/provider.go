package signing

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/secret"
	core "fazendabrasil/gonfpe/internal/core/signing"
	"fazendabrasil/gonfpe/internal/infrastructure/cache"
)

type cachedCertificate struct {
	path string
	cert *Certificate
}

// Provider implements core.Signer for farms whose A1 certificate lives on
// disk and whose password is held in a secret.Store. Decoded certificates
// are cached per farm.
type Provider struct {
	secrets       secret.Store
	cache         *cache.TTL[string, cachedCertificate]
	expiryWarning time.Duration
	watcher       *Watcher
	log           *slog.Logger
	now           func() time.Time
	load          func(path, password string) (*Certificate, error)
}

// NewProvider creates a provider. cacheTTL bounds how long a decoded
// certificate is reused; expiryWarning is the Inspect warning horizon.
func NewProvider(secrets secret.Store, cacheTTL, expiryWarning time.Duration, log *slog.Logger) *Provider {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	if expiryWarning <= 0 {
		expiryWarning = 30 * 24 * time.Hour
	}
	return &Provider{
		secrets:       secrets,
		cache:         cache.NewTTL[string, cachedCertificate](cacheTTL),
		expiryWarning: expiryWarning,
		log:           log.With("component", "signing_provider"),
		now:           time.Now,
		load:          LoadFile,
	}
}

// UseWatcher registers every loaded certificate path with w so on-disk
// replacements are picked up without a restart.
func (p *Provider) UseWatcher(w *Watcher) {
	p.watcher = w
}

// InvalidatePath drops cached certificates loaded from path.
func (p *Provider) InvalidatePath(path string) {
	n := p.cache.DeleteFunc(func(_ string, c cachedCertificate) bool { return c.path == path })
	if n > 0 {
		p.log.Info("certificate cache invalidated", "path", path, "farms", n)
	}
}

// certificate resolves and decodes the farm's certificate without
// checking its validity window.
func (p *Provider) certificate(ctx context.Context, farm nfpe.Farm) (*Certificate, error) {
	if c, ok := p.cache.Get(farm.ID); ok && c.path == farm.CertificatePath {
		return c.cert, nil
	}
	if farm.CertificatePath == "" {
		return nil, fmt.Errorf("%w: farm %s has no certificate", core.ErrCertificateMissing, farm.ID)
	}

	password, err := p.secrets.Get(ctx, farm.CertificateSecret)
	if errors.Is(err, secret.ErrNotFound) {
		return nil, fmt.Errorf("%w: secret %q not found", core.ErrCertificatePassword, farm.CertificateSecret)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve certificate password: %w", err)
	}

	cert, err := p.load(farm.CertificatePath, password)
	if err != nil {
		return nil, err
	}

	p.cache.Set(farm.ID, cachedCertificate{path: farm.CertificatePath, cert: cert})
	if p.watcher != nil {
		if err := p.watcher.Watch(farm.CertificatePath); err != nil {
			p.log.Warn("could not watch certificate", "path", farm.CertificatePath, "error", err)
		}
	}
	p.log.Info("certificate loaded",
		"farm_id", farm.ID,
		"subject", cert.Leaf.Subject.CommonName,
		"not_after", cert.Leaf.NotAfter,
	)
	return cert, nil
}

// usable returns the farm certificate after checking its validity window.
func (p *Provider) usable(ctx context.Context, farm nfpe.Farm) (*Certificate, error) {
	cert, err := p.certificate(ctx, farm)
	if err != nil {
		return nil, err
	}
	if err := cert.CheckValidity(p.now()); err != nil {
		return nil, err
	}
	return cert, nil
}

func (p *Provider) sign(ctx context.Context, farm nfpe.Farm, xml []byte, target string) ([]byte, error) {
	cert, err := p.usable(ctx, farm)
	if err != nil {
		return nil, err
	}
	return Sign(xml, target, cert)
}

// SignDocument signs infNFe.
func (p *Provider) SignDocument(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error) {
	return p.sign(ctx, farm, xml, "infNFe")
}

// SignBatch signs the enviNFe wrapper.
func (p *Provider) SignBatch(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error) {
	return p.sign(ctx, farm, xml, "enviNFe")
}

// SignEvent signs infEvento.
func (p *Provider) SignEvent(ctx context.Context, farm nfpe.Farm, xml []byte) ([]byte, error) {
	return p.sign(ctx, farm, xml, "infEvento")
}

// ClientCertificate returns the farm certificate for mutual TLS.
func (p *Provider) ClientCertificate(ctx context.Context, farm nfpe.Farm) (*tls.Certificate, error) {
	cert, err := p.usable(ctx, farm)
	if err != nil {
		return nil, err
	}
	return cert.TLS(), nil
}

// Inspect reports on the farm certificate even when it is outside its
// validity window.
func (p *Provider) Inspect(ctx context.Context, farm nfpe.Farm) (core.Report, error) {
	cert, err := p.certificate(ctx, farm)
	if err != nil {
		return core.Report{}, err
	}
	return cert.Inspect(p.now(), p.expiryWarning), nil
}

var _ core.Signer = (*Provider)(nil)
