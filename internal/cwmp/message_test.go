package cwmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const informEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
 <soapenv:Header>
  <cwmp:ID soapenv:mustUnderstand="1">42</cwmp:ID>
 </soapenv:Header>
 <soapenv:Body>
  <cwmp:Inform>
   <DeviceId>
    <Manufacturer>Huawei Technologies Co., Ltd</Manufacturer>
    <OUI>00E0FC</OUI>
    <ProductClass>HG8145V5</ProductClass>
    <SerialNumber>48575443AABBCCDD</SerialNumber>
   </DeviceId>
   <Event soap-enc:arrayType="cwmp:EventStruct[1]" xmlns:soap-enc="http://schemas.xmlsoap.org/soap/encoding/">
    <EventStruct>
     <EventCode>2 PERIODIC</EventCode>
     <CommandKey></CommandKey>
    </EventStruct>
   </Event>
   <MaxEnvelopes>1</MaxEnvelopes>
   <ParameterList soap-enc:arrayType="cwmp:ParameterValueStruct[2]" xmlns:soap-enc="http://schemas.xmlsoap.org/soap/encoding/">
    <ParameterValueStruct>
     <Name>InternetGatewayDevice.ManagementServer.ConnectionRequestURL</Name>
     <Value xsi:type="xsd:string" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">http://192.168.100.1:30005/</Value>
    </ParameterValueStruct>
    <ParameterValueStruct>
     <Name>InternetGatewayDevice.DeviceInfo.SoftwareVersion</Name>
     <Value xsi:type="xsd:string" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">V5R020C10S280</Value>
    </ParameterValueStruct>
   </ParameterList>
  </cwmp:Inform>
 </soapenv:Body>
</soapenv:Envelope>`

func TestParseInform(t *testing.T) {
	msg := ParseMessage([]byte(informEnvelope))

	assert.Equal(t, KindInform, msg.Kind)
	assert.Equal(t, "42", msg.ID)
	require.NotNil(t, msg.Inform)
	assert.Equal(t, "48575443AABBCCDD", msg.Inform.SerialNumber)
	assert.Equal(t, "Huawei Technologies Co., Ltd", msg.Inform.Manufacturer)
	assert.Equal(t, "HG8145V5", msg.Inform.ProductClass)
	assert.Equal(t, "00E0FC", msg.Inform.OUI)
	assert.Equal(t, []string{"2 PERIODIC"}, msg.Inform.Events)

	require.Len(t, msg.Params, 2)
	assert.Equal(t, "InternetGatewayDevice.ManagementServer.ConnectionRequestURL", msg.Params[0].Name)
	assert.Equal(t, "http://192.168.100.1:30005/", msg.Params[0].Value)
	assert.Equal(t, "string", msg.Params[0].Type)
}

func TestParseEmptyBody(t *testing.T) {
	for _, body := range []string{"", "   ", "\r\n"} {
		msg := ParseMessage([]byte(body))
		assert.Equal(t, KindEmpty, msg.Kind)
		assert.Equal(t, "1", msg.ID)
	}
}

func TestParseGetParameterValuesResponse(t *testing.T) {
	body := `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<SOAP-ENV:Header><cwmp:ID SOAP-ENV:mustUnderstand="1">7</cwmp:ID></SOAP-ENV:Header>
<SOAP-ENV:Body><cwmp:GetParameterValuesResponse>
<ParameterList>
<ParameterValueStruct>
<Name>InternetGatewayDevice.LANDevice.1.Hosts.HostNumberOfEntries</Name>
<Value xsi:type="xsd:unsignedInt" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">3</Value>
</ParameterValueStruct>
<ParameterValueStruct>
<Name>InternetGatewayDevice.DeviceInfo.UpTime</Name>
<Value xsi:type="xsd:unsignedInt" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"></Value>
</ParameterValueStruct>
<ParameterValueStruct>
<Name>InternetGatewayDevice.DeviceInfo.ModelName</Name>
<Value xsi:type="xsd:string" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">(null)</Value>
</ParameterValueStruct>
</ParameterList>
</cwmp:GetParameterValuesResponse></SOAP-ENV:Body></SOAP-ENV:Envelope>`

	msg := ParseMessage([]byte(body))
	assert.Equal(t, KindParameterResponse, msg.Kind)
	assert.Equal(t, "7", msg.ID)

	// Empty and "(null)" values mean the CPE did not retrieve the
	// parameter; only the host count survives.
	require.Len(t, msg.Params, 1)
	assert.Equal(t, "3", msg.Params[0].Value)
	assert.Equal(t, "unsignedInt", msg.Params[0].Type)
}

func TestParseFlattenedParameterList(t *testing.T) {
	body := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>9</cwmp:ID></soap:Header>
<soap:Body><cwmp:GetParameterValuesResponse>
<ParameterList>
<Name>InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.SSID</Name>
<Value>MyHome &amp; Office</Value>
<Name>InternetGatewayDevice.DeviceInfo.UpTime</Name>
<Value>86400</Value>
</ParameterList>
</cwmp:GetParameterValuesResponse></soap:Body></soap:Envelope>`

	msg := ParseMessage([]byte(body))
	assert.Equal(t, KindParameterResponse, msg.Kind)
	require.Len(t, msg.Params, 2)
	assert.Equal(t, "MyHome & Office", msg.Params[0].Value)
	assert.Equal(t, "86400", msg.Params[1].Value)
}

func TestParseFault(t *testing.T) {
	body := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>5</cwmp:ID></soap:Header>
<soap:Body><soap:Fault>
<faultcode>Client</faultcode>
<faultstring>CWMP fault</faultstring>
<detail>
<cwmp:Fault>
<FaultCode>9005</FaultCode>
<FaultString>Invalid parameter name</FaultString>
</cwmp:Fault>
</detail>
</soap:Fault></soap:Body></soap:Envelope>`

	msg := ParseMessage([]byte(body))
	assert.Equal(t, KindFault, msg.Kind)
	assert.Equal(t, "5", msg.ID)
	require.NotNil(t, msg.Fault)
	assert.Equal(t, "9005", msg.Fault.Code)
	assert.Equal(t, "Invalid parameter name", msg.Fault.Message)
}

func TestParseSetResponseAndReboot(t *testing.T) {
	set := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>task-12</cwmp:ID></soap:Header>
<soap:Body><cwmp:SetParameterValuesResponse><Status>0</Status></cwmp:SetParameterValuesResponse></soap:Body></soap:Envelope>`
	msg := ParseMessage([]byte(set))
	assert.Equal(t, KindSetResponse, msg.Kind)
	assert.Equal(t, "task-12", msg.ID)

	reboot := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>task-13</cwmp:ID></soap:Header>
<soap:Body><cwmp:RebootResponse></cwmp:RebootResponse></soap:Body></soap:Envelope>`
	msg = ParseMessage([]byte(reboot))
	assert.Equal(t, KindRebootResponse, msg.Kind)
}

func TestParseMissingIDDefaultsToOne(t *testing.T) {
	body := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Body><cwmp:SetParameterValuesResponse><Status>0</Status></cwmp:SetParameterValuesResponse></soap:Body></soap:Envelope>`
	msg := ParseMessage([]byte(body))
	assert.Equal(t, KindSetResponse, msg.Kind)
	assert.Equal(t, "1", msg.ID)
}

func TestParseMalformedStillYieldsID(t *testing.T) {
	// Truncated envelope: the decoder rejects it but the lenient scan
	// still recovers the correlation ID and the verb.
	body := `<soap:Envelope><soap:Header><cwmp:ID>77</cwmp:ID></soap:Header><soap:Body><cwmp:Inform><DeviceId>`
	msg := ParseMessage([]byte(body))
	assert.Equal(t, KindInform, msg.Kind)
	assert.Equal(t, "77", msg.ID)
	require.NotNil(t, msg.Inform)
	assert.Empty(t, msg.Inform.SerialNumber)
}

func TestParseMalformedFaultClassified(t *testing.T) {
	body := `<soap:Envelope><soap:Header><cwmp:ID>8</cwmp:ID></soap:Header><soap:Body><soap:Fault><faultcode>`
	msg := ParseMessage([]byte(body))
	assert.Equal(t, KindFault, msg.Kind)
	assert.Equal(t, "8", msg.ID)
	assert.Nil(t, msg.Fault)
}

func TestParseGarbage(t *testing.T) {
	msg := ParseMessage([]byte("this is not xml at all"))
	assert.Equal(t, KindUnknown, msg.Kind)
	assert.Equal(t, "1", msg.ID)
}
