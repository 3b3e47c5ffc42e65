package reconcile

import "github.com/drfirst/go-patientsync/internal/record"

// Top-level sections of a patient record.
const (
	SectionPersonInformation     = "personInformation"
	SectionGuardianInformation   = "guardianInformation"
	SectionVitals                = "vitals"
	SectionBirthRegistration     = "birthRegistration"
	SectionVaccineSchedule       = "vaccineSchedule"
	SectionVaccineAdministration = "vaccineAdministration"
	SectionAppointments          = "appointments"
	SectionDiagnosis             = "diagnosis"
	SectionMedicationOrder       = "MedicationOrder"
)

const (
	fieldSaved   = "saved"
	fieldUnsaved = "unsaved"
)

// section pairs the diff and merge strategy of one top-level section. Both
// run only when the incoming record carries the section; existing is Null when
// the stored record lacks it.
type section struct {
	name  string
	diff  func(path string, existing, incoming record.Value) []Change
	merge func(existing, incoming record.Value) record.Value
}

var sections = []section{
	{
		name:  SectionPersonInformation,
		diff:  func(path string, e, i record.Value) []Change { return diffNested(path, asMap(e), asMap(i)) },
		merge: func(e, i record.Value) record.Value { return deepMerge(asMap(e), i) },
	},
	pendingSection(SectionGuardianInformation, guardianIdentity, false),
	pendingSection(SectionVitals, vitalsIdentity, false),
	{
		name:  SectionBirthRegistration,
		diff:  diffBirthRegistration,
		merge: mergeBirthRegistration,
	},
	{
		name:  SectionVaccineSchedule,
		diff:  diffVaccineSchedule,
		merge: mergeVaccineSchedule,
	},
	{
		name:  SectionVaccineAdministration,
		diff:  diffVaccineAdministration,
		merge: mergeVaccineAdministration,
	},
	pendingSection(SectionAppointments, appointmentIdentity, true),
	pendingSection(SectionDiagnosis, diagnosisIdentity, true),
	{
		name:  SectionMedicationOrder,
		diff:  diffMedicationOrder,
		merge: mergeMedicationOrder,
	},
}

var sectionsByName = func() map[string]section {
	m := make(map[string]section, len(sections))
	for _, s := range sections {
		m[s.name] = s
	}
	return m
}()

// pendingSection builds the strategy for a {saved, unsaved} section. When
// keyedSaved is set the saved list is diffed by identity, otherwise both lists
// are diffed by position. Merging always goes by identity.
func pendingSection(name string, id Identity, keyedSaved bool) section {
	return section{
		name: name,
		diff: func(path string, existing, incoming record.Value) []Change {
			existing, incoming = asMap(existing), asMap(incoming)
			var changes []Change
			if in, ok := listField(incoming, fieldSaved); ok {
				cur, _ := listField(existing, fieldSaved)
				if keyedSaved {
					changes = append(changes, diffKeyed(join(path, fieldSaved), id, cur, in)...)
				} else {
					changes = append(changes, diffPositional(join(path, fieldSaved), cur, in)...)
				}
			}
			if in, ok := listField(incoming, fieldUnsaved); ok {
				cur, _ := listField(existing, fieldUnsaved)
				changes = append(changes, diffPositional(join(path, fieldUnsaved), cur, in)...)
			}
			return changes
		},
		merge: func(existing, incoming record.Value) record.Value {
			return mergeSavedUnsaved(id, asMap(existing), asMap(incoming), mergePending)
		},
	}
}

// mergeSavedUnsaved merges a {saved, unsaved} object. Other incoming fields are
// copied over; the lists are written back only when either side had them.
// pending merges the unsaved lists before retirement against the merged saved list.
func mergeSavedUnsaved(
	id Identity,
	existing, incoming record.Value,
	pending func(id Identity, existing, incoming []record.Value) []record.Value,
) record.Value {
	fields := existing.Fields()
	for _, key := range incoming.Keys() {
		if key == fieldSaved || key == fieldUnsaved {
			continue
		}
		fields[key], _ = incoming.Get(key)
	}

	curSaved, hadSaved := listField(existing, fieldSaved)
	inSaved, hasSaved := listField(incoming, fieldSaved)
	saved := mergeKeyed(id, curSaved, inSaved)

	curUnsaved, hadUnsaved := listField(existing, fieldUnsaved)
	inUnsaved, hasUnsaved := listField(incoming, fieldUnsaved)
	unsaved := retire(id, pending(id, curUnsaved, inUnsaved), saved)

	if hadSaved || hasSaved {
		fields[fieldSaved] = record.List(saved...)
	}
	if hadUnsaved || hasUnsaved {
		fields[fieldUnsaved] = record.List(unsaved...)
	}
	return record.Map(fields)
}

func diffBirthRegistration(path string, existing, incoming record.Value) []Change {
	return diffKeyed(path, birthRegistrationIdentity, existing.Items(), incoming.Items())
}

func mergeBirthRegistration(existing, incoming record.Value) record.Value {
	if !incoming.IsList() {
		return existing
	}
	return record.List(mergeKeyed(birthRegistrationIdentity, existing.Items(), incoming.Items())...)
}
