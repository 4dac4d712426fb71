// Package ccm decodes UECS-CCM multicast telemetry datagrams: a pure XML
// parser with no network dependency of its own.
package ccm

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
	"time"
)

// Category classifies a CCM type tag.
type Category string

const (
	Sensor   Category = "sensor"
	Actuator Category = "actuator"
	Weather  Category = "weather"
	Other    Category = "other"
)

var sensorTypes = map[string]bool{
	"InAirTemp": true, "InAirHumid": true, "InAirCO2": true, "SoilTemp": true,
	"SoilEC": true, "SoilWC": true, "InRadiation": true, "Pulse": true,
	"InAirHD": true, "InAirAbsHumid": true, "InAirDP": true, "IntgRadiation": true,
}

var actuatorTypes = map[string]bool{
	"Irri": true, "VenFan": true, "CirHoriFan": true, "AirHeatBurn": true,
	"AirHeatHP": true, "CO2Burn": true, "VenRfWin": true, "VenSdWin": true,
	"ThCrtn": true, "LsCrtn": true, "AirCoolHP": true, "AirHumFog": true,
}

var weatherTypes = map[string]bool{
	"WAirTemp": true, "WAirHumid": true, "WWindSpeed": true, "WWindDir16": true,
	"WRainfall": true, "WRainfallAmt": true, "WLUX": true,
}

// typeSuffixes are stripped from a DATA element's type attribute. None is a
// suffix of another, so at most one can match and the order is immaterial.
var typeSuffixes = []string{".cMC", ".mC", ".MC"}

// Classify buckets a (suffix-stripped) type tag into one of the four
// fixed categories.
func Classify(typeTag string) Category {
	switch {
	case sensorTypes[typeTag]:
		return Sensor
	case actuatorTypes[typeTag]:
		return Actuator
	case weatherTypes[typeTag]:
		return Weather
	default:
		return Other
	}
}

// Packet is a decoded CCM record. SourceIP and Time are not carried
// in the XML; the caller (the multicast receiver) fills them in from the
// UDP datagram's metadata.
type Packet struct {
	Type     string
	Value    interface{} // float64 or string
	Room     int
	Region   int
	Order    int
	Priority int
	Level    string
	Cast     string
	SourceIP string
	Time     time.Time
}

// Category classifies this packet's (already-stripped) type tag.
func (p Packet) Category() Category {
	return Classify(p.Type)
}

type dataAttrs struct {
	Type     string `xml:"type,attr"`
	Room     string `xml:"room,attr"`
	Region   string `xml:"region,attr"`
	Order    string `xml:"order,attr"`
	Priority string `xml:"priority,attr"`
	Level    string `xml:"level,attr"`
	Cast     string `xml:"cast,attr"`
}

// Parse decodes zero or more <DATA> elements out of a UECS-CCM XML
// datagram. Malformed XML yields an empty slice, never an error: a
// corrupt datagram is simply dropped by the caller.
func Parse(data []byte) []Packet {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var packets []Packet
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "DATA" {
			continue
		}

		var attrs dataAttrs
		for _, a := range start.Attr {
			switch a.Name.Local {
			case "type":
				attrs.Type = a.Value
			case "room":
				attrs.Room = a.Value
			case "region":
				attrs.Region = a.Value
			case "order":
				attrs.Order = a.Value
			case "priority":
				attrs.Priority = a.Value
			case "level":
				attrs.Level = a.Value
			case "cast":
				attrs.Cast = a.Value
			}
		}

		text, err := readElementText(dec, start.Name)
		if err != nil {
			break
		}

		packets = append(packets, Packet{
			Type:     stripTypeSuffix(attrs.Type),
			Value:    parseValue(text),
			Room:     intOrDefault(attrs.Room, 1),
			Region:   intOrDefault(attrs.Region, 1),
			Order:    intOrDefault(attrs.Order, 1),
			Priority: intOrDefault(attrs.Priority, 29),
			Level:    attrs.Level,
			Cast:     attrs.Cast,
		})
	}

	return packets
}

// readElementText accumulates character data until the matching end
// element for name is reached.
func readElementText(dec *xml.Decoder, name xml.Name) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local == name.Local {
				return sb.String(), nil
			}
		}
	}
}

func stripTypeSuffix(t string) string {
	for _, suffix := range typeSuffixes {
		if strings.HasSuffix(t, suffix) {
			return strings.TrimSuffix(t, suffix)
		}
	}
	return t
}

func parseValue(text string) interface{} {
	text = strings.TrimSpace(text)
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return v
	}
	return text
}

func intOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
