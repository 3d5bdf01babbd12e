package geo

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"

	"mailtrack/backend/internal/domain"
)

// MaxMindProvider 读取本地 GeoLite2 / GeoIP2 City 数据库
type MaxMindProvider struct {
	db *geoip2.Reader
}

// OpenMaxMind 打开 .mmdb 数据库文件
func OpenMaxMind(path string) (*MaxMindProvider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open maxmind database %s: %w", path, err)
	}
	return &MaxMindProvider{db: db}, nil
}

// Name 数据源名称
func (p *MaxMindProvider) Name() string { return "maxmind" }

// Lookup 查询本地数据库
func (p *MaxMindProvider) Lookup(_ context.Context, addr netip.Addr) (*domain.Location, error) {
	rec, err := p.db.City(net.IP(addr.AsSlice()))
	if err != nil {
		return nil, err
	}
	if rec.Country.IsoCode == "" && rec.City.GeoNameID == 0 {
		return nil, ErrNotFound
	}

	loc := &domain.Location{
		Country:   rec.Country.IsoCode,
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].IsoCode
	}
	return loc, nil
}

// Close 关闭数据库
func (p *MaxMindProvider) Close() error {
	return p.db.Close()
}
