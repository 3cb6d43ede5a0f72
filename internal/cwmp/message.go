package cwmp

import (
	"encoding/xml"
	"regexp"
	"strings"
)

// MessageKind classifies an inbound CWMP POST body.
type MessageKind int

const (
	KindEmpty MessageKind = iota
	KindInform
	KindParameterResponse
	KindFault
	KindSetResponse
	KindRebootResponse
	KindUnknown
)

func (k MessageKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindInform:
		return "inform"
	case KindParameterResponse:
		return "get_parameter_values_response"
	case KindFault:
		return "fault"
	case KindSetResponse:
		return "set_parameter_values_response"
	case KindRebootResponse:
		return "reboot_response"
	default:
		return "unknown"
	}
}

// ParameterValue is one name/value pair from a ParameterList.
type ParameterValue struct {
	Name  string
	Value string
	Type  string
}

// InformData carries the DeviceId block and event codes of an Inform.
type InformData struct {
	Manufacturer string
	OUI          string
	ProductClass string
	SerialNumber string
	Events       []string
}

// FaultDetail is the cwmp fault carried in a SOAP Fault body.
type FaultDetail struct {
	Code    string
	Message string
}

// Message is a parsed inbound request.
type Message struct {
	Kind   MessageKind
	ID     string
	Inform *InformData
	Params []ParameterValue
	Fault  *FaultDetail
}

type typedValue struct {
	Type string `xml:"type,attr"`
	Text string `xml:",chardata"`
}

// parameterList accepts both the well-formed ParameterValueStruct shape and
// the flattened sibling Name/Value shape some ONT firmware emits.
type parameterList struct {
	Structs []struct {
		Name  string     `xml:"Name"`
		Value typedValue `xml:"Value"`
	} `xml:"ParameterValueStruct"`
	Names  []string     `xml:"Name"`
	Values []typedValue `xml:"Value"`
}

type envelopeDoc struct {
	Header struct {
		ID string `xml:"ID"`
	} `xml:"Header"`
	Body struct {
		Inform *struct {
			DeviceID struct {
				Manufacturer string `xml:"Manufacturer"`
				OUI          string `xml:"OUI"`
				ProductClass string `xml:"ProductClass"`
				SerialNumber string `xml:"SerialNumber"`
			} `xml:"DeviceId"`
			Events []struct {
				EventCode string `xml:"EventCode"`
			} `xml:"Event>EventStruct"`
			ParameterList parameterList `xml:"ParameterList"`
		} `xml:"Inform"`
		GetResponse *struct {
			ParameterList parameterList `xml:"ParameterList"`
		} `xml:"GetParameterValuesResponse"`
		Fault *struct {
			Detail struct {
				Fault struct {
					FaultCode   string `xml:"FaultCode"`
					FaultString string `xml:"FaultString"`
				} `xml:"Fault"`
			} `xml:"detail"`
			FaultString string `xml:"faultstring"`
		} `xml:"Fault"`
		SetResponse *struct {
			Status string `xml:"Status"`
		} `xml:"SetParameterValuesResponse"`
		RebootResponse *struct{} `xml:"RebootResponse"`
	} `xml:"Body"`
}

var (
	idRe       = regexp.MustCompile(`<(?:[\w-]+:)?ID[^>]*>\s*([^<]+?)\s*</(?:[\w-]+:)?ID>`)
	nsPrefixRe = regexp.MustCompile(`(</?)[\w-]+:`)
)

// ParseMessage classifies and extracts a CWMP request body.
//
// Namespace prefixes are stripped off the element tags before decoding so
// that the prefix soup real firmware produces (soap/SOAP-ENV/cwmp and
// friends, sometimes undeclared) never breaks the decode. A missing header
// ID defaults to "1". Bodies a strict decoder rejects fall back to a
// lenient text scan that still recovers the correlation ID, keeping the
// session usable against malformed-but-recognizable envelopes.
func ParseMessage(body []byte) Message {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return Message{Kind: KindEmpty, ID: "1"}
	}

	stripped := nsPrefixRe.ReplaceAllString(raw, "$1")
	var doc envelopeDoc
	if err := xml.Unmarshal([]byte(stripped), &doc); err != nil {
		return parseLenient(raw)
	}

	msg := Message{ID: strings.TrimSpace(doc.Header.ID)}
	if msg.ID == "" {
		msg.ID = "1"
	}

	switch {
	case doc.Body.Inform != nil:
		msg.Kind = KindInform
		inform := doc.Body.Inform
		msg.Inform = &InformData{
			Manufacturer: strings.TrimSpace(inform.DeviceID.Manufacturer),
			OUI:          strings.TrimSpace(inform.DeviceID.OUI),
			ProductClass: strings.TrimSpace(inform.DeviceID.ProductClass),
			SerialNumber: strings.TrimSpace(inform.DeviceID.SerialNumber),
		}
		for _, ev := range inform.Events {
			msg.Inform.Events = append(msg.Inform.Events, strings.TrimSpace(ev.EventCode))
		}
		msg.Params = flattenParameterList(inform.ParameterList)
	case doc.Body.GetResponse != nil:
		msg.Kind = KindParameterResponse
		msg.Params = flattenParameterList(doc.Body.GetResponse.ParameterList)
	case doc.Body.Fault != nil:
		msg.Kind = KindFault
		fault := doc.Body.Fault
		detail := &FaultDetail{
			Code:    strings.TrimSpace(fault.Detail.Fault.FaultCode),
			Message: strings.TrimSpace(fault.Detail.Fault.FaultString),
		}
		if detail.Message == "" {
			detail.Message = strings.TrimSpace(fault.FaultString)
		}
		msg.Fault = detail
	case doc.Body.SetResponse != nil:
		msg.Kind = KindSetResponse
	case doc.Body.RebootResponse != nil:
		msg.Kind = KindRebootResponse
	default:
		msg.Kind = KindUnknown
	}
	return msg
}

// flattenParameterList turns either list shape into pairs. Values equal to
// the empty string or the literal "(null)" mean the CPE did not actually
// retrieve the parameter; they are dropped here so they are never stored
// and never counted as successful.
func flattenParameterList(list parameterList) []ParameterValue {
	var params []ParameterValue
	for _, s := range list.Structs {
		if pv, ok := makePair(s.Name, s.Value); ok {
			params = append(params, pv)
		}
	}
	if len(params) > 0 || len(list.Names) == 0 {
		return params
	}
	n := len(list.Names)
	if len(list.Values) < n {
		n = len(list.Values)
	}
	for i := 0; i < n; i++ {
		if pv, ok := makePair(list.Names[i], list.Values[i]); ok {
			params = append(params, pv)
		}
	}
	return params
}

func makePair(name string, value typedValue) (ParameterValue, bool) {
	name = strings.TrimSpace(name)
	text := strings.TrimSpace(value.Text)
	if name == "" || text == "" || text == "(null)" {
		return ParameterValue{}, false
	}
	return ParameterValue{Name: name, Value: text, Type: strings.TrimPrefix(value.Type, "xsd:")}, true
}

// parseLenient recovers what it can from a body the XML decoder rejected.
// The correlation ID is pulled with a plain text match and the verb with a
// marker scan, so a truncated-but-recognizable request still gets an
// orderly reply instead of silence. Bodies with no recognizable verb
// classify as Unknown, which the planner treats as end of dialog.
func parseLenient(raw string) Message {
	msg := Message{Kind: KindUnknown, ID: "1"}
	if m := idRe.FindStringSubmatch(raw); m != nil {
		msg.ID = m[1]
	}
	switch {
	case strings.Contains(raw, "Inform"):
		msg.Kind = KindInform
		msg.Inform = &InformData{}
	case strings.Contains(raw, "GetParameterValuesResponse"):
		msg.Kind = KindParameterResponse
	case strings.Contains(raw, "Fault"):
		msg.Kind = KindFault
	case strings.Contains(raw, "SetParameterValuesResponse"):
		msg.Kind = KindSetResponse
	case strings.Contains(raw, "RebootResponse"):
		msg.Kind = KindRebootResponse
	}
	return msg
}
