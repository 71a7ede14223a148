package telephony

import (
	"encoding/xml"
	"fmt"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ConnectTwiML bridges the answered call to the conversation stream.
func ConnectTwiML(streamURL, callID, firstMessage string) (string, error) {
	stream := twimlStream{URL: streamURL}
	if callID != "" {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: "call_id", Value: callID})
	}
	if firstMessage != "" {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: "first_message", Value: firstMessage})
	}
	out, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: stream}})
	if err != nil {
		return "", fmt.Errorf("telephony: render twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

// FirstMessage is the opening line spoken once the callee picks up.
func FirstMessage(serviceType, providerName string) string {
	if serviceType == "" {
		serviceType = "an"
	} else {
		serviceType = "a " + serviceType
	}
	if providerName == "" {
		providerName = "your office"
	}
	return fmt.Sprintf("Hello, this is an automated assistant calling to schedule %s appointment. Am I speaking with %s?", serviceType, providerName)
}
