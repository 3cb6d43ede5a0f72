package cwmp

import (
	"fmt"
	"strings"
)

const envelopeOpen = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:soap-enc="http://schemas.xmlsoap.org/soap/encoding/" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
	<soap:Header>
		<cwmp:ID soap:mustUnderstand="1">%s</cwmp:ID>
	</soap:Header>
	<soap:Body>`

const envelopeClose = `
	</soap:Body>
</soap:Envelope>`

func escapeXML(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func envelope(id, body string) string {
	return fmt.Sprintf(envelopeOpen, escapeXML(id)) + body + envelopeClose
}

func informResponseBody() string {
	return `
		<cwmp:InformResponse>
			<MaxEnvelopes>1</MaxEnvelopes>
		</cwmp:InformResponse>`
}

func getParameterValuesBody(names []string) string {
	var sb strings.Builder
	sb.WriteString("\n\t\t<cwmp:GetParameterValues>\n")
	fmt.Fprintf(&sb, "\t\t\t<ParameterNames soap-enc:arrayType=\"xsd:string[%d]\">\n", len(names))
	for _, name := range names {
		fmt.Fprintf(&sb, "\t\t\t\t<string>%s</string>\n", escapeXML(name))
	}
	sb.WriteString("\t\t\t</ParameterNames>\n\t\t</cwmp:GetParameterValues>")
	return sb.String()
}

// BuildInformResponse acknowledges an Inform with MaxEnvelopes fixed at 1.
func BuildInformResponse(id string) string {
	return envelope(id, informResponseBody())
}

// BuildInformResponseWithGet produces the compound reply sent at the start
// of a discovery window: InformResponse plus a GetParameterValues in the
// same envelope, which every tested ONT accepts and which saves the empty
// POST round trip.
func BuildInformResponseWithGet(id string, names []string) string {
	return envelope(id, informResponseBody()+getParameterValuesBody(names))
}

// BuildGetParameterValues requests the named parameters.
func BuildGetParameterValues(id string, names []string) string {
	return envelope(id, getParameterValuesBody(names))
}

// BuildSetParameterValues writes the given pairs. Order is preserved so the
// emitted envelope is deterministic. The type defaults to xsd:string when a
// pair does not carry one.
func BuildSetParameterValues(id, parameterKey string, values []ParameterValue) string {
	var sb strings.Builder
	sb.WriteString("\n\t\t<cwmp:SetParameterValues>\n")
	fmt.Fprintf(&sb, "\t\t\t<ParameterList soap-enc:arrayType=\"cwmp:ParameterValueStruct[%d]\">\n", len(values))
	for _, pv := range values {
		ptype := pv.Type
		if ptype == "" {
			ptype = "string"
		}
		sb.WriteString("\t\t\t\t<ParameterValueStruct>\n")
		fmt.Fprintf(&sb, "\t\t\t\t\t<Name>%s</Name>\n", escapeXML(pv.Name))
		fmt.Fprintf(&sb, "\t\t\t\t\t<Value xsi:type=\"xsd:%s\">%s</Value>\n", ptype, escapeXML(pv.Value))
		sb.WriteString("\t\t\t\t</ParameterValueStruct>\n")
	}
	sb.WriteString("\t\t\t</ParameterList>\n")
	fmt.Fprintf(&sb, "\t\t\t<ParameterKey>%s</ParameterKey>\n", escapeXML(parameterKey))
	sb.WriteString("\t\t</cwmp:SetParameterValues>")
	return envelope(id, sb.String())
}

// BuildSetParameterValuesResponse is the terminal acknowledgment sent when
// the discovery dialog has nothing left to request.
func BuildSetParameterValuesResponse(id string) string {
	return envelope(id, `
		<cwmp:SetParameterValuesResponse>
			<Status>0</Status>
		</cwmp:SetParameterValuesResponse>`)
}

// CommandKeyLimit is the most characters a Reboot CommandKey may carry.
const CommandKeyLimit = 30

func clampCommandKey(key string) string {
	if len(key) > CommandKeyLimit {
		return key[:CommandKeyLimit]
	}
	return key
}

// BuildReboot issues the standard Reboot RPC.
func BuildReboot(id, commandKey string) string {
	body := fmt.Sprintf(`
		<cwmp:Reboot>
			<CommandKey>%s</CommandKey>
		</cwmp:Reboot>`, escapeXML(clampCommandKey(commandKey)))
	return envelope(id, body)
}

// BuildDelayedReboot issues the Huawei vendor reboot that lets the ONT
// finish serving traffic before restarting.
func BuildDelayedReboot(id, commandKey string, delaySeconds int) string {
	body := fmt.Sprintf(`
		<cwmp:X_HW_DelayReboot>
			<CommandKey>%s</CommandKey>
			<DelaySeconds>%d</DelaySeconds>
		</cwmp:X_HW_DelayReboot>`, escapeXML(clampCommandKey(commandKey)), delaySeconds)
	return envelope(id, body)
}
