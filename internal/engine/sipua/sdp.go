package sipua

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/sebas/isip/internal/audio"
)

// buildOffer creates the SDP offer for an outbound call, listing codecs in
// preference order.
func buildOffer(addr string, port int, codecs []audio.Codec) ([]byte, error) {
	formats := make([]string, 0, len(codecs))
	for _, c := range codecs {
		formats = append(formats, c.Format())
	}

	sessionID := uint64(time.Now().UnixNano())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "isip",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "iSIP Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: codecAttributes(codecs),
			},
		},
	}
	return desc.Marshal()
}

func codecAttributes(codecs []audio.Codec) []sdp.Attribute {
	attrs := make([]sdp.Attribute, 0, len(codecs)+2)
	for _, c := range codecs {
		attrs = append(attrs, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate),
		})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}

// remoteMedia is the negotiated far end of an answered call.
type remoteMedia struct {
	Addr  string
	Port  int
	Codec audio.Codec
}

// parseAnswer extracts the remote RTP endpoint and picks the first answered
// format that we support.
func parseAnswer(body []byte) (remoteMedia, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return remoteMedia{}, fmt.Errorf("parse SDP: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return remoteMedia{}, fmt.Errorf("no media in SDP")
	}

	var md *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return remoteMedia{}, fmt.Errorf("no audio media in SDP")
	}

	rm := remoteMedia{Port: md.MediaName.Port.Value}
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		rm.Addr = md.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		rm.Addr = desc.ConnectionInformation.Address.Address
	}
	if rm.Addr == "" || rm.Port == 0 {
		return remoteMedia{}, fmt.Errorf("no remote RTP endpoint in SDP")
	}

	for _, f := range md.MediaName.Formats {
		if c, ok := audio.CodecByFormat(f); ok {
			rm.Codec = c
			return rm, nil
		}
	}
	return remoteMedia{}, fmt.Errorf("no supported codec in answer %v", md.MediaName.Formats)
}
