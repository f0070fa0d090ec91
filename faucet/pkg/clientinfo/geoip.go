package clientinfo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP2 looks addresses up in a MaxMind GeoLite2/GeoIP2 City database.
type GeoIP2 struct {
	reader *geoip2.Reader
}

func OpenGeoIP2(path string) (*GeoIP2, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &GeoIP2{reader: reader}, nil
}

func (g *GeoIP2) Lookup(ip net.IP) (*Geography, error) {
	record, err := g.reader.City(ip)
	if err != nil {
		return nil, err
	}
	if record.Country.IsoCode == "" && record.City.GeoNameID == 0 {
		return nil, nil
	}

	geo := &Geography{
		Country:  orUnknown(record.Country.IsoCode),
		Region:   Unknown,
		City:     orUnknown(record.City.Names["en"]),
		Timezone: orUnknown(record.Location.TimeZone),
	}
	if len(record.Subdivisions) > 0 {
		geo.Region = orUnknown(record.Subdivisions[0].IsoCode)
	}
	return geo, nil
}

func (g *GeoIP2) Close() error {
	return g.reader.Close()
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
