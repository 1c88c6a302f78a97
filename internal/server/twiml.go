package server

import "encoding/xml"

// TwiML verbs the telephony provider executes from webhook responses.
type twiml struct {
	XMLName  xml.Name  `xml:"Response"`
	Say      *say      `xml:"Say,omitempty"`
	Gather   *gather   `xml:"Gather,omitempty"`
	Redirect *redirect `xml:"Redirect,omitempty"`
	Hangup   *struct{} `xml:"Hangup,omitempty"`
}

type say struct {
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type gather struct {
	Input         string `xml:"input,attr"`
	Action        string `xml:"action,attr"`
	Method        string `xml:"method,attr"`
	SpeechTimeout string `xml:"speechTimeout,attr"`
	Language      string `xml:"language,attr,omitempty"`
	Say           *say   `xml:"Say,omitempty"`
}

type redirect struct {
	Method string `xml:"method,attr"`
	URL    string `xml:",chardata"`
}

// listen speaks text and gathers the next utterance. Silence falls through
// to the redirect, which posts an empty SpeechResult.
func listen(text, language string) twiml {
	return twiml{
		Gather: &gather{
			Input:         "speech",
			Action:        speechPath,
			Method:        "POST",
			SpeechTimeout: "auto",
			Language:      language,
			Say:           &say{Language: language, Text: text},
		},
		Redirect: &redirect{Method: "POST", URL: speechPath},
	}
}

// hangup speaks text, if any, and ends the call.
func hangup(text, language string) twiml {
	t := twiml{Hangup: &struct{}{}}
	if text != "" {
		t.Say = &say{Language: language, Text: text}
	}
	return t
}
