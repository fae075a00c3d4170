package alljoyn_test

import (
	"errors"
	"testing"
	"time"

	"github.com/danderson/alljoyn"
	"github.com/danderson/alljoyn/bustest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func testAboutData() *alljoyn.AboutData {
	return &alljoyn.AboutData{
		AppID:           uuid.MustParse("4a2c7a0e-6f7b-4b44-9d3e-1a2b3c4d5e6f"),
		DefaultLanguage: "en",
		DeviceName:      alljoyn.LocalizedString{"en": "Kitchen", "es": "Cocina"},
		DeviceID:        "dev-1",
		AppName:         alljoyn.LocalizedString{"en": "Echoer", "es": "Eco"},
		Manufacturer:    alljoyn.LocalizedString{"en": "Example Corp", "es": "Ejemplo SA"},
		ModelNumber:     "E-100",
		Description:     alljoyn.LocalizedString{"en": "Says it back", "es": "Lo repite"},
		SoftwareVersion: "1.0",
		SupportURL:      "https://example.com/support",
		Fields:          map[string]alljoyn.Variant{"Color": alljoyn.MakeVariant("blue")},
	}
}

func TestAboutDataValidate(t *testing.T) {
	if err := testAboutData().Validate(); err != nil {
		t.Fatalf("valid about data: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*alljoyn.AboutData)
	}{
		{"no app id", func(d *alljoyn.AboutData) { d.AppID = uuid.Nil }},
		{"no default language", func(d *alljoyn.AboutData) { d.DefaultLanguage = "" }},
		{"bad default language", func(d *alljoyn.AboutData) { d.DefaultLanguage = "not a language!" }},
		{"no device id", func(d *alljoyn.AboutData) { d.DeviceID = "" }},
		{"no model number", func(d *alljoyn.AboutData) { d.ModelNumber = "" }},
		{"no software version", func(d *alljoyn.AboutData) { d.SoftwareVersion = "" }},
		{"app name not in default language", func(d *alljoyn.AboutData) { delete(d.AppName, "en") }},
		{"no manufacturer", func(d *alljoyn.AboutData) { d.Manufacturer = nil }},
		{"no description", func(d *alljoyn.AboutData) { d.Description = alljoyn.LocalizedString{"es": "Lo repite"} }},
		{"custom field shadows", func(d *alljoyn.AboutData) { d.Fields["DeviceId"] = alljoyn.MakeVariant("x") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := testAboutData()
			tc.mutate(d)
			if err := d.Validate(); !errors.Is(err, alljoyn.ErrInvalidAboutData) {
				t.Errorf("Validate got err %v, want ErrInvalidAboutData", err)
			}
		})
	}

	if diff := cmp.Diff(testAboutData().Languages(), []string{"en", "es"}); diff != "" {
		t.Errorf("Languages wrong (-got+want):\n%s", diff)
	}
}

type announceRecorder chan *alljoyn.Announcement

func (r announceRecorder) Announced(a *alljoyn.Announcement) { r <- a }

func (r announceRecorder) next(t *testing.T) *alljoyn.Announcement {
	t.Helper()
	select {
	case a := <-r:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement")
	}
	return nil
}

// serveAnnounced registers an echo object whose interface is listed
// in About announcements.
func serveAnnounced(t *testing.T, c *alljoyn.Conn) {
	t.Helper()
	iface := alljoyn.NewInterface(echoInterface)
	if err := iface.AddMethod("Echo", alljoyn.Args("s", "in"), alljoyn.Args("s", "out")); err != nil {
		t.Fatal(err)
	}
	obj, err := alljoyn.NewObject(echoPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := obj.AddInterface(iface); err != nil {
		t.Fatal(err)
	}
	if err := obj.AnnounceInterface(echoInterface); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterObject(obj); err != nil {
		t.Fatal(err)
	}
}

func TestAnnounce(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	svc, client := bus.MustConn(t), bus.MustConn(t)
	serveAnnounced(t, svc)

	if err := svc.Announce(ctx, 900, &alljoyn.AboutData{}); !errors.Is(err, alljoyn.ErrInvalidAboutData) {
		t.Fatalf("announcing empty data: got err %v, want ErrInvalidAboutData", err)
	}
	data := testAboutData()
	if err := svc.Announce(ctx, 900, data); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	// Announcing again replaces the stored announcement.
	if err := svc.Announce(ctx, 901, data); err != nil {
		t.Fatalf("second Announce: %v", err)
	}
	// The router has handled the signal once it answers a later call.
	if _, err := svc.NameHasOwner(ctx, svc.UniqueName()); err != nil {
		t.Fatal(err)
	}
	if got := bus.Router().SessionlessCount(); got != 1 {
		t.Errorf("router stores %d sessionless signals, want 1", got)
	}

	// The listener starts after the announcement, and still hears it.
	rec := make(announceRecorder, 10)
	stop, err := client.WhoImplements(rec, "org.example.*")
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	a := rec.next(t)
	if a.Sender != svc.UniqueName() || a.Port != 901 || a.Version != 1 {
		t.Errorf("announcement from %s port %d version %d, want %s port 901 version 1", a.Sender, a.Port, a.Version, svc.UniqueName())
	}
	wantObjs := alljoyn.AboutObjectDescription{
		echoPath:          {echoInterface},
		alljoyn.AboutPath: {alljoyn.AboutInterface},
	}
	if diff := cmp.Diff(a.Objects, wantObjs); diff != "" {
		t.Errorf("announced objects wrong (-got+want):\n%s", diff)
	}
	if a.Data.AppID != data.AppID || a.Data.AppName["en"] != "Echoer" || a.Data.DeviceID != "dev-1" {
		t.Errorf("announced data wrong: %+v", a.Data)
	}
	if a.Data.Description != nil || a.Data.SupportURL != "" {
		t.Errorf("announcement carries fields that are not announced: %+v", a.Data)
	}

	// Without a language, About data comes in the default language.
	proxy := client.AboutProxy(svc.UniqueName(), 0)
	if v, err := proxy.Version(ctx); err != nil || v != 1 {
		t.Errorf("Version = %d, %v, want 1", v, err)
	}
	got, err := proxy.AboutData(ctx, "")
	if err != nil {
		t.Fatalf("AboutData: %v", err)
	}
	want := &alljoyn.AboutData{
		AppID:              data.AppID,
		DefaultLanguage:    "en",
		DeviceName:         alljoyn.LocalizedString{"en": "Kitchen"},
		DeviceID:           "dev-1",
		AppName:            alljoyn.LocalizedString{"en": "Echoer"},
		Manufacturer:       alljoyn.LocalizedString{"en": "Example Corp"},
		ModelNumber:        "E-100",
		SupportedLanguages: []string{"en", "es"},
		Description:        alljoyn.LocalizedString{"en": "Says it back"},
		SoftwareVersion:    "1.0",
		AJSoftwareVersion:  alljoyn.AJSoftwareVersion,
		SupportURL:         "https://example.com/support",
		Fields:             map[string]alljoyn.Variant{"Color": {Sig: "s", Value: "blue"}},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("AboutData wrong (-got+want):\n%s", diff)
	}

	got, err = proxy.AboutData(ctx, "es-MX")
	if err != nil {
		t.Fatalf("AboutData(es-MX): %v", err)
	}
	if got.AppName["es-MX"] != "Eco" || got.Description["es-MX"] != "Lo repite" {
		t.Errorf("AboutData(es-MX) not in Spanish: %+v", got)
	}
	if _, err := proxy.AboutData(ctx, "fr"); !errors.Is(err, alljoyn.ErrLanguageNotSupported) {
		t.Errorf("AboutData(fr): got err %v, want ErrLanguageNotSupported", err)
	}

	objs, err := proxy.ObjectDescription(ctx)
	if err != nil {
		t.Fatalf("ObjectDescription: %v", err)
	}
	if diff := cmp.Diff(objs, wantObjs); diff != "" {
		t.Errorf("ObjectDescription wrong (-got+want):\n%s", diff)
	}

	if err := svc.Unannounce(ctx); err != nil {
		t.Fatalf("Unannounce: %v", err)
	}
	if got := bus.Router().SessionlessCount(); got != 0 {
		t.Errorf("router stores %d sessionless signals after Unannounce, want 0", got)
	}
	if err := svc.Unannounce(ctx); !errors.Is(err, alljoyn.ErrNoSuchMessage) {
		t.Errorf("second Unannounce: got err %v, want ErrNoSuchMessage", err)
	}
}

func TestWhoImplementsFilters(t *testing.T) {
	ctx := testContext(t)
	bus := bustest.New(t, false)
	svc, client := bus.MustConn(t), bus.MustConn(t)
	serveAnnounced(t, svc)

	missing := make(announceRecorder, 10)
	stop, err := client.WhoImplements(missing, echoInterface, "org.example.Missing")
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	found := make(announceRecorder, 10)
	stop, err = client.WhoImplements(found, echoInterface)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := svc.Announce(ctx, 900, testAboutData()); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	found.next(t)
	select {
	case a := <-missing:
		t.Errorf("listener for a missing interface got announcement from %s", a.Sender)
	case <-time.After(100 * time.Millisecond):
	}
}
