package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-rsync/pkg/types/keyrange"
)

func TestDecode(t *testing.T) {
	f, err := Decode([]byte(`test_id checksum_fail {"begin":"/boot/grub2/fonts/unicode.pf2","end":"/boot/grub2/i386-pc/gzio.mod","id":1}`))
	require.NoError(t, err)

	want := Frame{
		SessionID: "test_id",
		Kind:      KindChecksumFail,
		Range:     keyrange.New(keyrange.String("/boot/grub2/fonts/unicode.pf2"), keyrange.String("/boot/grub2/i386-pc/gzio.mod")),
		ID:        1,
	}
	if diff := cmp.Diff(want, f, cmp.AllowUnexported(keyrange.Key{})); diff != "" {
		t.Fatalf("unexpected frame (-want +got):\n%s", diff)
	}

	f, err = Decode([]byte(`inv no_data {"begin":3,"end":9,"id":1700000000}`))
	require.NoError(t, err)
	require.Equal(t, KindNoData, f.Kind)
	require.Equal(t, keyrange.Int(3), f.Range.Begin)
	require.Equal(t, int64(1700000000), f.ID)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		err   error
	}{
		{"empty", ``, ErrMalformed},
		{"garbage", `test buffer`, ErrUnknownKind},
		{"only id", `test_id`, ErrMalformed},
		{"leading space", ` checksum_fail {}`, ErrMalformed},
		{"no payload", `test_id checksum_fail`, ErrMalformed},
		{"unknown kind", `test_id checksum_ok {"begin":"a","end":"b","id":1}`, ErrUnknownKind},
		{"bad json", `test_id no_data {"begin":"a","end":`, ErrMalformed},
		{"missing id", `test_id no_data {"begin":"a","end":"b"}`, ErrMalformed},
		{"missing end", `test_id no_data {"begin":"a","id":1}`, ErrMalformed},
		{"null key", `test_id no_data {"begin":null,"end":"b","id":1}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestFrameEncodeRoundTrip(t *testing.T) {
	in := Frame{
		SessionID: "fim_file",
		Kind:      KindNoData,
		Range:     keyrange.New(keyrange.String("a"), keyrange.String("b")),
		ID:        5,
	}
	b, err := in.Encode()
	require.NoError(t, err)
	require.Equal(t, `fim_file no_data {"begin":"a","end":"b","id":5}`, string(b))

	out, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEncodeMessages(t *testing.T) {
	const component = "test_component"

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "clear",
			msg:  IntegrityClear(component, 1596489273),
			want: `{"component":"test_component","data":{"id":1596489273},"type":"integrity_clear"}`,
		},
		{
			name: "global",
			msg: IntegrityCheckGlobal(component,
				keyrange.New(keyrange.String("/boot/grub2/fonts/unicode.pf2"), keyrange.String("/boot/grub2/i386-pc/gzio.mod")),
				"abc", 7),
			want: `{"component":"test_component","data":{"begin":"/boot/grub2/fonts/unicode.pf2","checksum":"abc","end":"/boot/grub2/i386-pc/gzio.mod","id":7},"type":"integrity_check_global"}`,
		},
		{
			name: "left",
			msg: IntegrityCheckLeft(component,
				keyrange.New(keyrange.String("/boot/grub2/fonts/unicode.pf2"), keyrange.String("/boot/grub2/grubenv")),
				"2d567d2a180a96ad6b3ecd9ec7beae31d103d090280e7eaec8383ef27c8ab4a5", 1,
				keyrange.String("/boot/grub2/i386-pc/datehook.mod")),
			want: `{"component":"test_component","data":{"begin":"/boot/grub2/fonts/unicode.pf2","checksum":"2d567d2a180a96ad6b3ecd9ec7beae31d103d090280e7eaec8383ef27c8ab4a5","end":"/boot/grub2/grubenv","id":1,"tail":"/boot/grub2/i386-pc/datehook.mod"},"type":"integrity_check_left"}`,
		},
		{
			name: "right",
			msg: IntegrityCheckRight(component,
				keyrange.New(keyrange.String("/boot/grub2/i386-pc/datehook.mod"), keyrange.String("/boot/grub2/i386-pc/gzio.mod")),
				"cc933107bbe6c3eee784b74e180b9da2dbfa6766807aa1483257f055e52e4ca9", 1),
			want: `{"component":"test_component","data":{"begin":"/boot/grub2/i386-pc/datehook.mod","checksum":"cc933107bbe6c3eee784b74e180b9da2dbfa6766807aa1483257f055e52e4ca9","end":"/boot/grub2/i386-pc/gzio.mod","id":1},"type":"integrity_check_right"}`,
		},
		{
			name: "state",
			msg: State(component, keyrange.String("/boot/grub2/grubenv"), map[string]any{
				"checksum":   "e041159610c7ec18490345af13f7f49371b56893",
				"entry_type": int64(0),
				"inode_id":   int64(2),
				"last_event": int64(1596489273),
				"mode":       int64(0),
				"options":    int64(131583),
				"path":       "/boot/grub2/grubenv",
				"scanned":    int64(1),
			}, 1596489273),
			want: `{"component":"test_component","data":{"attributes":{"checksum":"e041159610c7ec18490345af13f7f49371b56893","entry_type":0,"inode_id":2,"last_event":1596489273,"mode":0,"options":131583,"path":"/boot/grub2/grubenv","scanned":1},"index":"/boot/grub2/grubenv","timestamp":1596489273},"type":"state"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.msg)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(got))
			require.Equal(t, tt.want, string(got))
		})
	}
}

func TestRightMessageHasNoTail(t *testing.T) {
	got, err := Encode(IntegrityCheckRight("c", keyrange.New(keyrange.Int(1), keyrange.Int(2)), "x", 1))
	require.NoError(t, err)

	var decoded struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got, &decoded))
	require.NotContains(t, decoded.Data, "tail")
	require.Len(t, decoded.Data, 4)
}

func TestEncodeWithoutData(t *testing.T) {
	_, err := Encode(Message{Component: "c", Type: TypeState})
	require.Error(t, err)
}
